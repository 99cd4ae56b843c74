//go:build !mediaengine

package main

import (
	"log"

	"github.com/meshcall/sfu/media"
)

// mediaWorkerFactory returns the factory for the out-of-process RTC engine.
// Deployment builds override this file with a build tag to link their engine;
// the default build runs signalling-only.
func mediaWorkerFactory(logger *log.Logger) media.WorkerFactory {
	logger.Printf("no media engine linked; running signalling-only")
	return nil
}
