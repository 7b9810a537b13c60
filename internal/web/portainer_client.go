package web

import (
	"github.com/portguard/portguard/internal/portainer"
	"github.com/portguard/portguard/internal/store"
)

// clientFor builds a Portainer client for a stored instance, selecting the
// auth constructor by AuthType exactly as spec.md §4.3 describes.
func clientFor(inst store.PortainerInstance) *portainer.Client {
	if inst.AuthType == "apikey" {
		return portainer.NewAPIKeyClient(inst.URL, inst.APIKey)
	}
	return portainer.NewPasswordClient(inst.URL, inst.Username, inst.Password)
}

func scannerFor(inst store.PortainerInstance) *portainer.Scanner {
	return portainer.NewScanner(clientFor(inst))
}
