//go:build softhsm

package main

import (
	"fmt"
	"os"
	"strconv"

	"golang.org/x/exp/slog"

	"github.com/alovak/bankcards/cards"
	"github.com/alovak/bankcards/internal/security/hsm"
)

// codecOptions encrypts PANs inside a PKCS#11 token when HSM_LIB is set.
// Fingerprints still come from PAN_MASTER_KEY.
func codecOptions(logger *slog.Logger) ([]cards.AppOption, func(), error) {
	lib := os.Getenv("HSM_LIB")
	if lib == "" {
		return nil, func() {}, nil
	}
	slot, err := strconv.ParseUint(os.Getenv("HSM_SLOT"), 10, 32)
	if err != nil {
		return nil, nil, fmt.Errorf("HSM_SLOT: %w", err)
	}
	label := os.Getenv("HSM_KEY_LABEL")
	if label == "" {
		label = "pan-key"
	}

	codec := hsm.NewSoftHSMCodec(lib, uint(slot), os.Getenv("HSM_PIN"), label)
	if err := codec.Open(); err != nil {
		return nil, nil, err
	}
	logger.Info("using pkcs11 pan codec", slog.String("lib", lib), slog.String("key_label", label))
	return []cards.AppOption{cards.WithPANCodec(codec)}, codec.Close, nil
}
