package engine

import (
	"matflow/config"
	"matflow/material"
)

// SetFactory validates and replaces the factory settings, then persists
// the config file when one is configured.
func (e *Engine) SetFactory(f config.FactoryConfig, actor string) error {
	if err := e.cfg.SetFactory(f); err != nil {
		return material.Configurationf("factory settings: %v", err)
	}
	if e.configPath != "" {
		if err := e.cfg.Save(e.configPath); err != nil {
			e.logFn("engine: save config: %v", err)
		}
	}
	e.Events.Emit(Event{Type: EventConfigChanged, Payload: ConfigChangedEvent{Section: "factory", Actor: actor}})
	return nil
}
