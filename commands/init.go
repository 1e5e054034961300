package commands

import (
	"context"
	"errors"
	"fmt"
	"os"

	"peerdisc/config"

	"github.com/sirupsen/logrus"
)

var log = logrus.New()

// RunInit writes a fresh config with a new node key. An existing file is left alone unless force is set.
func RunInit(ctx context.Context, cfg *config.Config, force bool) error {
	if _, err := os.Stat(cfg.File()); err == nil && !force {
		return fmt.Errorf("%s already exists", cfg.File())
	} else if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	if err := cfg.GenerateKey(); err != nil {
		return fmt.Errorf("generating node key: %w", err)
	}
	if err := cfg.Save(); err != nil {
		return err
	}

	id, err := cfg.NodeID()
	if err != nil {
		return err
	}
	log.Infof("Initialized node %s", id)
	return nil
}
