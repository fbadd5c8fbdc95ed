package main

import (
	"vos3d/internal/config"
	"vos3d/internal/model"
)

// buildModel selects the configured network and applies freeze_bn.
func buildModel(c *config.Config) (model.Model, error) {
	env, err := c.ModelEnv()
	if err != nil {
		return nil, err
	}
	m, err := model.Select(model.DefaultRegistry(), c.ModelOptions(), networks, env)
	if err != nil {
		return nil, err
	}
	if c.FreezeBN {
		n := m.FreezeBatchNorm()
		logger.Debug().Int("params", n).Msg("froze encoder batch norm")
	}
	return m, nil
}
