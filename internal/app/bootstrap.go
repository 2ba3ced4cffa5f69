package app

import (
	"github.com/GezzyDax/Timelith/internal/config"
	"github.com/GezzyDax/Timelith/internal/runtime/supervisor"
)

// ---- Config ----

type Config = config.Config

type ConfigManager = config.ConfigManager

var NewConfigManager = config.NewConfigManager

var SummarizeConfigChange = config.SummarizeConfigChange

var parseDuration = config.Duration

// ---- Runtime ----

type Supervisor = supervisor.Supervisor

var NewSupervisor = supervisor.NewSupervisor

var WithLogger = supervisor.WithLogger

var WithCancelOnError = supervisor.WithCancelOnError

var WithRestartBackoff = supervisor.WithRestartBackoff
