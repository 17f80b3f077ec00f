// Package manifest 维护编译期内置的预缓存清单（资源路径 + 缓存代号）。
//
// 清单作者需要：
//  1. 在本包中新建文件，通过 MustRegister 在 init() 中注册 Preset；
//  2. 修改资源列表时同步提升 Generation，激活阶段会据此清理旧代缓存。
//
// 运行时无法修改预设，站点配置只能选择预设或显式列出 Assets。
package manifest
