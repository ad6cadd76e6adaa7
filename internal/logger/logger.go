package logger

import (
	"os"
	"strings"

	"mt5-scalper-bot-go/internal/models"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// 文件输出在配置缺省时的兜底参数
const (
	defaultLogFile    = "logs/bot.log"
	defaultMaxSizeMB  = 50
	defaultMaxBackups = 5
	defaultMaxAgeDays = 14
)

var sugaredLogger *zap.SugaredLogger

// InitLogger 按配置初始化全局日志记录器, 支持控制台、文件或两者同时输出。
// 文件输出经lumberjack按大小切割。
func InitLogger(cfg models.LogConfig) {
	level := zap.NewAtomicLevel()
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level.SetLevel(zap.InfoLevel)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	encoder := zapcore.NewConsoleEncoder(encCfg)

	var cores []zapcore.Core
	output := strings.ToLower(cfg.Output)
	if output == "file" || output == "both" {
		cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(fileWriter(cfg)), level))
	}
	if output != "file" {
		// console、both以及任何未识别的取值都落到控制台
		cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(os.Stdout), level))
	}

	sugaredLogger = zap.New(zapcore.NewTee(cores...), zap.AddCaller()).Sugar()
}

// fileWriter 构造带切割的日志文件writer, 零值配置项取兜底参数
func fileWriter(cfg models.LogConfig) *lumberjack.Logger {
	lj := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		Compress:   cfg.Compress,
	}
	if lj.Filename == "" {
		lj.Filename = defaultLogFile
	}
	if lj.MaxSize <= 0 {
		lj.MaxSize = defaultMaxSizeMB
	}
	if lj.MaxBackups <= 0 {
		lj.MaxBackups = defaultMaxBackups
	}
	if lj.MaxAge <= 0 {
		lj.MaxAge = defaultMaxAgeDays
	}
	return lj
}

// S 返回全局sugared logger; 未初始化时退回开发模式logger
func S() *zap.SugaredLogger {
	if sugaredLogger == nil {
		l, _ := zap.NewDevelopment()
		return l.Sugar()
	}
	return sugaredLogger
}
