// Package logging 按配置初始化全局 logrus
package logging

import (
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Setup level 无法解析时退回 info；format 为 json 时输出 JSON，其余为文本
func Setup(level, format string) {
	lvl, err := log.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		lvl = log.InfoLevel
	}
	log.SetLevel(lvl)
	log.SetOutput(os.Stdout)
	if strings.EqualFold(format, "json") {
		log.SetFormatter(&log.JSONFormatter{})
		return
	}
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
}
