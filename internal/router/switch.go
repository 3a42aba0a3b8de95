package router

import (
	"net/http"
	"sync/atomic"

	"github.com/gin-gonic/gin"
)

// Switch serves the most recently stored engine. main stores a degraded engine at
// startup and replaces it once the database is connected.
type Switch struct {
	engine atomic.Pointer[gin.Engine]
}

func NewSwitch(initial *gin.Engine) *Switch {
	s := &Switch{}
	s.Store(initial)
	return s
}

func (s *Switch) Store(e *gin.Engine) {
	s.engine.Store(e)
}

func (s *Switch) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.engine.Load().ServeHTTP(w, r)
}
