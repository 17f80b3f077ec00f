package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/shellcache/shellcache/internal/manifest"
)

var supportedStorageDrivers = map[string]struct{}{
	StorageDriverFS:     {},
	StorageDriverSQLite: {},
	StorageDriverMemory: {},
	StorageDriverRedis:  {},
}

const supportedStorageDriverList = "fs|sqlite|memory|redis"

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.AdminListenAddr != "" {
		if err := validateAdminAddr(g.AdminListenAddr, g.ListenPort); err != nil {
			return newFieldError("Global.AdminListenAddr", err.Error())
		}
	}
	if _, ok := supportedStorageDrivers[g.StorageDriver]; !ok {
		return newFieldError("Global.StorageDriver", "仅支持 "+supportedStorageDriverList)
	}
	if g.StorageDriver != StorageDriverMemory && g.StorageDriver != StorageDriverRedis && g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if g.StorageDriver == StorageDriverRedis && strings.TrimSpace(g.RedisAddr) == "" {
		return newFieldError("Global.RedisAddr", "redis 驱动需要提供地址")
	}
	if g.MaxRetries < 0 {
		return newFieldError("Global.MaxRetries", "不能为负数")
	}
	if g.InitialBackoff.DurationValue() <= 0 {
		return newFieldError("Global.InitialBackoff", "必须大于 0")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if g.PurgeConcurrency <= 0 {
		return newFieldError("Global.PurgeConcurrency", "必须大于 0")
	}
	if g.InstallConcurrency <= 0 {
		return newFieldError("Global.InstallConcurrency", "必须大于 0")
	}
	if g.MaxCacheableSize <= 0 {
		return newFieldError("Global.MaxCacheableSize", "必须大于 0")
	}

	if len(c.Sites) == 0 {
		return errors.New("至少需要配置一个 Site")
	}

	seenNames := map[string]struct{}{}
	for i := range c.Sites {
		site := &c.Sites[i]
		if site.Name == "" {
			return newFieldError("Site[].Name", "不能为空")
		}
		if strings.ContainsAny(site.Name, `/\ `) {
			return newFieldError(siteField(site.Name, "Name"), "不允许包含路径分隔符或空格")
		}
		if _, exists := seenNames[site.Name]; exists {
			return newFieldError(siteField(site.Name, "Name"), "重复")
		}
		seenNames[site.Name] = struct{}{}

		if err := validateDomain(site.Domain); err != nil {
			return fmt.Errorf("%s: %w", siteField(site.Name, "Domain"), err)
		}
		if err := validateUpstream(site.Upstream); err != nil {
			return fmt.Errorf("%s: %w", siteField(site.Name, "Upstream"), err)
		}
		if site.Proxy != "" {
			if err := validateUpstream(site.Proxy); err != nil {
				return fmt.Errorf("%s: %w", siteField(site.Name, "Proxy"), err)
			}
		}

		if site.Manifest != "" {
			if _, ok := manifest.Resolve(site.Manifest); !ok {
				return newFieldError(siteField(site.Name, "Manifest"), fmt.Sprintf("未注册清单: %s", site.Manifest))
			}
		}
		for _, asset := range site.Assets {
			if err := validateAssetPath(asset); err != nil {
				return fmt.Errorf("%s: %w", siteField(site.Name, "Assets"), err)
			}
		}
		if site.CacheName == "" {
			return newFieldError(siteField(site.Name, "CacheName"), "不能为空")
		}
		if err := validateAssetPath(site.FallbackPath); err != nil {
			return fmt.Errorf("%s: %w", siteField(site.Name, "FallbackPath"), err)
		}
	}

	return nil
}

func validateDomain(domain string) error {
	if domain == "" {
		return errors.New("Domain 不能为空")
	}
	if strings.Contains(domain, "/") {
		return errors.New("Domain 不允许包含路径")
	}
	if strings.Contains(domain, " ") {
		return errors.New("Domain 不允许包含空格")
	}
	if strings.HasPrefix(domain, "http") {
		return errors.New("Domain 不应包含协议头")
	}
	return nil
}

func validateUpstream(raw string) error {
	if raw == "" {
		return errors.New("缺少上游地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，上游: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("上游缺少 Host: %s", raw)
	}
	return nil
}

// validateAdminAddr 要求诊断地址为回环 host:port，且不与代理端口冲突。
func validateAdminAddr(addr string, listenPort int) error {
	host, rawPort, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("需要 host:port 形式: %v", err)
	}
	if host != "localhost" {
		ip := net.ParseIP(host)
		if ip == nil || !ip.IsLoopback() {
			return fmt.Errorf("仅允许回环地址，得到 %q", host)
		}
	}
	port, err := strconv.Atoi(rawPort)
	if err != nil || port <= 0 || port > 65535 {
		return fmt.Errorf("端口必须在 1-65535，得到 %q", rawPort)
	}
	if port == listenPort {
		return fmt.Errorf("不能与 ListenPort 相同")
	}
	return nil
}

// validateAssetPath 要求清单条目为站内绝对路径。
func validateAssetPath(raw string) error {
	if !strings.HasPrefix(raw, "/") {
		return fmt.Errorf("路径必须以 / 开头: %q", raw)
	}
	if strings.Contains(raw, "#") {
		return fmt.Errorf("路径不应包含片段: %q", raw)
	}
	return nil
}

// SiteAssets 返回站点最终生效的预缓存清单：Assets 优先，否则使用预设。
func SiteAssets(site SiteConfig) []string {
	if len(site.Assets) > 0 {
		return append([]string(nil), site.Assets...)
	}
	if preset, ok := manifest.Resolve(site.Manifest); ok {
		return append([]string(nil), preset.Assets...)
	}
	return nil
}
