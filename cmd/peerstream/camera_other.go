//go:build !linux || !cgo

package main

import (
	"errors"
	"log/slog"

	"github.com/dudexyz/peerstream/pkg/media"
)

func deviceSource(*slog.Logger) (media.Source, error) {
	return nil, errors.New("camera capture needs a linux build with cgo, use --media for test media")
}
