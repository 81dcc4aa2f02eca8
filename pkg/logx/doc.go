// Package logx is a thin structured-logging layer over zerolog.
//
// It exists so components take a small Logger value instead of a concrete
// zerolog.Logger, and so sinks (console, file, Telegram) can be swapped at
// runtime without re-plumbing loggers through the app.
package logx
