package controllers

import (
	"github.com/go-chi/chi/v5"

	"github.com/rzbill/openstream/internal/runtime"
	logpkg "github.com/rzbill/openstream/pkg/log"
)

// ControllerRegistry owns every HTTP controller.
type ControllerRegistry struct {
	general *GeneralController
	topics  *TopicsController
	groups  *GroupsController
	replay  *ReplayController
}

// NewControllerRegistry builds the controllers over one runtime.
func NewControllerRegistry(rt *runtime.Runtime, logger logpkg.Logger) *ControllerRegistry {
	return &ControllerRegistry{
		general: NewGeneralController(rt),
		topics:  NewTopicsController(rt, logger),
		groups:  NewGroupsController(rt),
		replay:  NewReplayController(rt),
	}
}

// RegisterAllRoutes mounts every controller on r.
func (c *ControllerRegistry) RegisterAllRoutes(r chi.Router) {
	c.general.RegisterRoutes(r)
	c.topics.RegisterRoutes(r)
	c.groups.RegisterRoutes(r)
	c.replay.RegisterRoutes(r)
}
