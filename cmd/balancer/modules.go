package main

import (
	"context"
	"fmt"

	"github.com/oursky/inference-balancer/pkg/cmd"
	"github.com/oursky/inference-balancer/pkg/dashboard"
	"github.com/oursky/inference-balancer/pkg/fleet"
	"github.com/oursky/inference-balancer/pkg/management"
	"github.com/oursky/inference-balancer/pkg/statestore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"go.uber.org/zap"
)

func initModules(logger *zap.Logger, config *Config) ([]cmd.Module, error) {
	registry := prometheus.NewPedanticRegistry()
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	registry.MustRegister(collectors.NewGoCollector())

	var modules []cmd.Module

	store, err := statestore.Open(context.Background(), logger, config.Store)
	if err != nil {
		return nil, fmt.Errorf("cannot open state store: %w", err)
	}
	logger.Info("opened state store", zap.Stringer("descriptor", config.Store))
	modules = append(modules, store)

	pool := fleet.NewPool(logger, store)
	modules = append(modules, pool)

	fleet.NewMetrics(pool, registry)

	management := management.NewServer(logger, &config.Management, &config.Session, pool, registry)
	modules = append(modules, management)

	dashboard := dashboard.NewServer(logger, &config.Dashboard, pool)
	modules = append(modules, dashboard)

	return modules, nil
}
