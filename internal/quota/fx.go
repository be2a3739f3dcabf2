package quota

import (
	"github.com/muselabs/muse/internal/quota/repository"
	"github.com/muselabs/muse/internal/quota/service"
	"go.uber.org/fx"
)

var Module = fx.Module("quota.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
