package order

import (
	"github.com/muselabs/muse/internal/order/repository"
	"github.com/muselabs/muse/internal/order/service"
	"go.uber.org/fx"
)

var Module = fx.Module("order.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
