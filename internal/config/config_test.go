package config

import (
	"testing"
	"time"
)

func TestLoadWithDefaults(t *testing.T) {
	cfg, err := loadFixture(t, "valid.toml")
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if cfg.Global.StoragePath == "" {
		t.Fatalf("StoragePath 应该被保留")
	}
	if cfg.Global.ListenPort == 0 {
		t.Fatalf("ListenPort 应当被解析")
	}
	if cfg.Global.AdminListenAddr != "127.0.0.1:5080" {
		t.Fatalf("AdminListenAddr 默认应为回环地址，得到 %q", cfg.Global.AdminListenAddr)
	}
	if cfg.Global.UpstreamTimeout.DurationValue() != 10*time.Second {
		t.Fatalf("UpstreamTimeout 解析错误: %s", cfg.Global.UpstreamTimeout.DurationValue())
	}
	if cfg.Global.PurgeConcurrency <= 0 || cfg.Global.MaxCacheableSize <= 0 {
		t.Fatalf("并发与大小限制应填充默认值")
	}
	site := cfg.Sites[0]
	if site.CacheName != "eticad-cache-v1" {
		t.Fatalf("CacheName 应回退到预设代号，得到 %q", site.CacheName)
	}
	if site.FallbackPath != "/" {
		t.Fatalf("FallbackPath 默认应为 /，得到 %q", site.FallbackPath)
	}
	if got := SiteAssets(site); len(got) != 9 {
		t.Fatalf("预设清单应包含 9 项，得到 %d", len(got))
	}
}

func TestValidateRejectsBadSite(t *testing.T) {
	if _, err := loadFixture(t, "missing.toml"); err == nil {
		t.Fatalf("不合法的配置应返回错误")
	}
}

func TestValidateEnforcesListenPortRange(t *testing.T) {
	cfg := validConfig()
	cfg.Global.ListenPort = 70000
	if err := cfg.Validate(); err == nil {
		t.Fatalf("ListenPort 超出范围应当报错")
	}
}

func TestValidateAdminListenAddr(t *testing.T) {
	testCases := []struct {
		addr      string
		shouldErr bool
	}{
		{"", false},
		{"127.0.0.1:5080", false},
		{"localhost:5080", false},
		{"[::1]:5080", false},
		{"0.0.0.0:5080", true},
		{"10.0.0.5:5080", true},
		{"127.0.0.1:5000", true},
		{"127.0.0.1", true},
	}

	for _, tc := range testCases {
		cfg := validConfig()
		cfg.Global.AdminListenAddr = tc.addr
		err := cfg.Validate()
		if tc.shouldErr && err == nil {
			t.Fatalf("expected error for %q", tc.addr)
		}
		if !tc.shouldErr && err != nil {
			t.Fatalf("unexpected error for %q: %v", tc.addr, err)
		}
	}
}

func TestStorageDriverValidation(t *testing.T) {
	testCases := []struct {
		name      string
		driver    string
		redisAddr string
		shouldErr bool
	}{
		{"fs ok", StorageDriverFS, "", false},
		{"sqlite ok", StorageDriverSQLite, "", false},
		{"memory ok", StorageDriverMemory, "", false},
		{"redis ok", StorageDriverRedis, "127.0.0.1:6379", false},
		{"redis without addr", StorageDriverRedis, "", true},
		{"unsupported", "s3", "", true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			cfg.Global.StorageDriver = tc.driver
			cfg.Global.RedisAddr = tc.redisAddr
			err := cfg.Validate()
			if tc.shouldErr && err == nil {
				t.Fatalf("expected error for driver %q", tc.driver)
			}
			if !tc.shouldErr && err != nil {
				t.Fatalf("unexpected error for driver %q: %v", tc.driver, err)
			}
		})
	}
}

func TestValidateSiteFields(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(*SiteConfig)
	}{
		{"unknown manifest", func(s *SiteConfig) { s.Manifest = "nope" }},
		{"relative asset", func(s *SiteConfig) { s.Assets = []string{"static/a.png"} }},
		{"fragment asset", func(s *SiteConfig) { s.Assets = []string{"/#top"} }},
		{"empty cache name", func(s *SiteConfig) { s.CacheName = "" }},
		{"bad upstream", func(s *SiteConfig) { s.Upstream = "ftp://example.com" }},
		{"domain with scheme", func(s *SiteConfig) { s.Domain = "http://eticad.local" }},
		{"name with slash", func(s *SiteConfig) { s.Name = "a/b" }},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(&cfg.Sites[0])
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestValidateRejectsDuplicateNames(t *testing.T) {
	cfg := validConfig()
	cfg.Sites = append(cfg.Sites, cfg.Sites[0])
	if err := cfg.Validate(); err == nil {
		t.Fatalf("重复的站点名应报错")
	}
}

func TestSiteSummaries(t *testing.T) {
	got := SiteSummaries(validConfig().Sites)
	if len(got) != 1 || got[0] != "eticad:eticad-cache-v1" {
		t.Fatalf("unexpected summaries: %v", got)
	}
	if SiteSummaries(nil) != nil {
		t.Fatalf("empty input should produce nil")
	}
}

func validConfig() *Config {
	return &Config{
		Global: GlobalConfig{
			ListenPort:         5000,
			StoragePath:        "./data",
			StorageDriver:      StorageDriverFS,
			MaxRetries:         1,
			InitialBackoff:     Duration(time.Second),
			UpstreamTimeout:    Duration(time.Second),
			PurgeConcurrency:   2,
			InstallConcurrency: 2,
			MaxCacheableSize:   1024,
		},
		Sites: []SiteConfig{
			{
				Name:         "eticad",
				Domain:       "eticad.local",
				Upstream:     "http://127.0.0.1:5001",
				Manifest:     "eticad",
				CacheName:    "eticad-cache-v1",
				FallbackPath: "/",
			},
		},
	}
}
