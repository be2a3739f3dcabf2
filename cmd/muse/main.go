package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/muselabs/muse/internal/clock"
	"github.com/muselabs/muse/internal/logger"
	"github.com/muselabs/muse/internal/migration"
	"github.com/muselabs/muse/internal/observability"
	"github.com/muselabs/muse/internal/seed"
	"github.com/muselabs/muse/internal/server"
	"github.com/muselabs/muse/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		observability.Module,
		logger.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,

		// Invocations run in registration order: schema, then seed data,
		// then route registration and the listener.
		migration.Module,
		seed.Module,
		server.Module,
	)
	app.Run()
}

// RegisterSnowflake provides the process-wide id generator. Deployments that
// scale horizontally should derive the node id from the instance identity.
func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
