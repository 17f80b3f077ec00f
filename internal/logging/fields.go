package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供站点/域名/缓存代号/响应来源字段，供代理请求日志复用。
func RequestFields(site, domain, generation, source string) logrus.Fields {
	return logrus.Fields{
		"site":       site,
		"domain":     domain,
		"generation": generation,
		"source":     source,
	}
}

// LifecycleFields 描述 install/activate 等生命周期事件的公共字段。
func LifecycleFields(action, site, generation string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"site":       site,
		"generation": generation,
	}
}
