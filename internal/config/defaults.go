package config

import (
	"path/filepath"

	"github.com/adrg/xdg"
)

const (
	defaultBackend      = BackendDirect
	defaultStrategy     = StrategyRarest
	eagerAllocate       = false
	allowUnverifiedRead = false
	// Caps on in-flight block requests; both are deliberately
	// configuration rather than protocol constants.
	outstandingLimit = 16
	endgameThreshold = 32
	verifyWorkers    = 2
	writeRateLimit   = 0
)

var storageDir = filepath.Join(xdg.UserDirs.Download, "synapse")
