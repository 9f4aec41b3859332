package agenthttp

import (
	"github.com/Strob0t/TeamForge/internal/domain/agent"
	"github.com/Strob0t/TeamForge/internal/port/invoker"
)

func init() {
	invoker.Register(agent.TransportHTTP, func(_ map[string]string) (invoker.Invoker, error) {
		return New(), nil
	})
}
