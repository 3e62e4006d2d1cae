// Package logx is tabsync's structured logging on top of zerolog.
//
// A Logger obtained from a Service follows Service.Apply, so a config reload
// can change the level or the sinks without handing out new loggers.
// Component loggers carry a comp field (see Logger.Comp).
package logx
