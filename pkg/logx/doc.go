// Package logx configures Timelith's structured logging.
//
// Components receive a logx.Logger and derive scoped loggers with
// With(logx.String("comp", ...)). The Service rebuilds its sinks when the
// config reloads: console, a JSON file, and an optional Telegram alert sink
// that forwards warnings about schedules and deliveries to an operator chat.
package logx
