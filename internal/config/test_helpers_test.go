package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// loadFixture 加载 testdata 下的样例配置。
func loadFixture(t *testing.T, name string) (*Config, error) {
	t.Helper()
	return Load(filepath.Join("testdata", name))
}

// loadInline 把 TOML 片段写入临时文件后走完整的 Load 流程。
func loadInline(t *testing.T, content string) (*Config, error) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("写入临时配置失败: %v", err)
	}
	return Load(path)
}

// siteBlock 生成一个指向本地上游的 [[Site]] 段，extra 为追加的 key = value 行。
func siteBlock(name string, extra ...string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "\n[[Site]]\nName = %q\nDomain = %q\nUpstream = \"http://127.0.0.1:5001\"\n", name, name+".local")
	for _, line := range extra {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String()
}
