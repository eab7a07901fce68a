package httpapi

import (
	"github.com/gin-gonic/gin"

	"call-signaling/internal/rbac"
)

// RegisterCallRoutes mounts the call API on g. g must already carry the
// access-token middleware.
func RegisterCallRoutes(g *gin.RouterGroup, h Handlers) {
	call := g.Group("/call")
	{
		call.POST("/initiate", h.Initiate)
		call.POST("/accept", h.Accept())
		call.POST("/reject", h.Reject())
		call.POST("/cancel", h.Cancel())
		call.POST("/end", h.End)
		call.GET("/status/:callSessionId", h.Status)
		call.GET("/history", h.History)
		call.GET("/missed", h.Missed)
		call.GET("/active", h.Active)
		call.GET("/stats", h.Stats)
		call.GET("/signal", h.Signal)
	}

	admin := g.Group("/admin")
	admin.Use(rbac.RequireAnyRole(rbac.RoleSystem))
	{
		admin.POST("/calls/:callSessionId/fail", h.AdminFail)
	}
}
