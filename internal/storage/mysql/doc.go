// Package mysql 保存价格与巨鲸告警的历史记录。
//
// MemoryAlertRepository 以 JSON Lines 文件落盘，适合单机开发；SQLAlertRepository
// 基于 MySQL，启动时执行 deploy/migrations 中内嵌的迁移脚本。两者都实现
// alerting.Recorder，可直接挂到告警分发器上。
package mysql
