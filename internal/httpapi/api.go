// Package httpapi is the staff HTTP API: order actions, board snapshots, stats and a
// websocket feed of board frames and new-order alerts.
package httpapi

import (
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/ericchongums/kopikap-dashboard/internal/auth"
	"github.com/ericchongums/kopikap-dashboard/internal/board"
	"github.com/ericchongums/kopikap-dashboard/internal/lifecycle"
	"github.com/ericchongums/kopikap-dashboard/internal/metrics"
	"github.com/ericchongums/kopikap-dashboard/models"
)

type Logger interface {
	Printf(format string, args ...any)
}

const principalKey = "principal"

const permissionMessage = "You do not have permission to perform this action"

// API wires the HTTP routes to the coordinator and the running boards.
type API struct {
	Coord *lifecycle.Coordinator
	// Boards maps board names to their running reconcilers.
	Boards map[string]*board.Reconciler
	// OnReceived runs after a successful receipt, typically to drop the pickup card.
	OnReceived   func(id string)
	Hub          *Hub
	Metrics      *metrics.Registry
	Secret       string
	AllowOrigins []string
	Log          Logger
}

// Router builds the gin engine.
func (a *API) Router() *gin.Engine {
	if a.Log == nil {
		a.Log = log.Default()
	}
	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())

	origins := a.AllowOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.New(cors.Config{
		AllowOrigins:  origins,
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}))

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	if a.Metrics != nil {
		r.GET("/metrics", gin.WrapH(a.Metrics.Handler()))
	}

	if a.Hub != nil {
		r.GET("/ws", a.authenticate(true), requireKind(auth.KindBarista, auth.KindKiosk), a.Hub.Handle())
	}

	api := r.Group("/api", a.authenticate(false))
	staff := api.Group("", requireKind(auth.KindBarista))
	staff.POST("/orders/:id/prepare", a.prepare)
	staff.POST("/orders/:id/complete", a.complete)
	staff.POST("/orders/:id/receive", a.receive)
	staff.GET("/stats", a.stats)
	api.GET("/boards/:name", requireKind(auth.KindBarista, auth.KindKiosk), a.board)
	return r
}

// authenticate parses the bearer token. Websocket clients may pass it as ?token=
// because browsers cannot set headers on the upgrade request.
func (a *API) authenticate(allowQuery bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" && allowQuery {
			if tok := c.Query("token"); tok != "" {
				header = "Bearer " + tok
			}
		}
		p, err := auth.ParseBearer(header, a.Secret)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "auth error: " + err.Error()})
			return
		}
		c.Set(principalKey, p)
		c.Request = c.Request.WithContext(auth.WithPrincipal(c.Request.Context(), p))
		c.Next()
	}
}

func requireKind(kinds ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, _ := c.MustGet(principalKey).(*auth.Principal)
		for _, k := range kinds {
			if p != nil && p.Kind == k {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": permissionMessage, "kind": lifecycle.KindPermission.String()})
	}
}

// fail writes the error JSON for a coordinator error.
func (a *API) fail(c *gin.Context, err error) {
	kind := lifecycle.Classify(err)
	code := http.StatusInternalServerError
	msg := err.Error()
	switch kind {
	case lifecycle.KindTransient:
		code = http.StatusServiceUnavailable
	case lifecycle.KindNotFound:
		code = http.StatusNotFound
	case lifecycle.KindIllegal:
		code = http.StatusConflict
	case lifecycle.KindPrecondition:
		code = http.StatusPreconditionFailed
	case lifecycle.KindPermission:
		code = http.StatusForbidden
		msg = permissionMessage
	}
	c.JSON(code, gin.H{"error": msg, "kind": kind.String(), "retryable": lifecycle.Retryable(err)})
}

func (a *API) prepare(c *gin.Context) {
	o, err := a.Coord.StartPreparing(c.Request.Context(), c.Param("id"))
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, o)
}

func (a *API) complete(c *gin.Context) {
	o, err := a.Coord.Complete(c.Request.Context(), c.Param("id"))
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, o)
}

func (a *API) receive(c *gin.Context) {
	p := c.MustGet(principalKey).(*auth.Principal)
	id := c.Param("id")
	o, err := a.Coord.Receive(c.Request.Context(), id, models.ReceivedByBarista, p.Name)
	if err != nil {
		a.fail(c, err)
		return
	}
	if a.OnReceived != nil {
		a.OnReceived(id)
	}
	c.JSON(http.StatusOK, o)
}

func (a *API) stats(c *gin.Context) {
	st, err := a.Coord.Stats(c.Request.Context(), time.Now())
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (a *API) board(c *gin.Context) {
	name := strings.ToLower(c.Param("name"))
	p := c.MustGet(principalKey).(*auth.Principal)
	if name == board.NameQueue && p.Kind != auth.KindBarista {
		c.JSON(http.StatusForbidden, gin.H{"error": permissionMessage, "kind": lifecycle.KindPermission.String()})
		return
	}
	r, ok := a.Boards[name]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown board " + name})
		return
	}
	filter, err := board.ParseFilter(c.Query("status"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, r.Frame().Only(filter))
}
