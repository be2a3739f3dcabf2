package audit

import (
	"github.com/muselabs/muse/internal/audit/repository"
	"github.com/muselabs/muse/internal/audit/service"
	"go.uber.org/fx"
)

var Module = fx.Module("audit.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
