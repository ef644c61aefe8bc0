// Package qr generates QR codes for provisioning spagate clients with
// freshly generated stanza key material.
//
// The QR payload is a JSON object with the fields a client needs to build
// valid SPA packets for one stanza. It contains the symmetric and HMAC keys,
// so callers should warn users to treat the QR as a secret.
package qr

import (
	"encoding/json"
	"fmt"
	"os"

	goqr "github.com/skip2/go-qrcode"
)

// Payload is the data encoded into the QR code.
type Payload struct {
	// ServerHost is the server hostname or IP.
	ServerHost string `json:"host"`

	// ServerUDPPort is the SPA port.
	ServerUDPPort uint16 `json:"udp_port"`

	// Key is the base64-encoded symmetric key.
	Key string `json:"key"`

	// HMACKey is the base64-encoded HMAC key.
	HMACKey string `json:"hmac_key"`

	// HMACType names the HMAC algorithm ("sha256" unless overridden).
	HMACType string `json:"hmac_type,omitempty"`

	// SDPID is the client identifier, present in identifier mode only.
	SDPID uint32 `json:"sdp_id,omitempty"`
}

// GenerateOptions controls QR code generation.
type GenerateOptions struct {
	// Size is the QR image size in pixels (default: 256).
	Size int

	// OutputPath is the file path to write the QR PNG to.
	// If empty, the QR is printed to the terminal as ASCII art.
	OutputPath string

	// RecoveryLevel is the QR error correction level (L, M, Q, H).
	// Default is M.
	RecoveryLevel goqr.RecoveryLevel
}

// Generate encodes payload into a QR code. If opts.OutputPath is set, the
// PNG is written to that path; otherwise ASCII art is printed to stdout.
func Generate(payload *Payload, opts *GenerateOptions) error {
	if opts == nil {
		opts = &GenerateOptions{}
	}
	if opts.Size == 0 {
		opts.Size = 256
	}
	if opts.RecoveryLevel == 0 {
		opts.RecoveryLevel = goqr.Medium
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshalling QR payload: %w", err)
	}

	if opts.OutputPath != "" {
		if err := goqr.WriteFile(string(data), opts.RecoveryLevel, opts.Size, opts.OutputPath); err != nil {
			return fmt.Errorf("writing QR PNG to %s: %w", opts.OutputPath, err)
		}
		fmt.Fprintf(os.Stdout, "QR code written to %s\n", opts.OutputPath)
		return nil
	}

	q, err := goqr.New(string(data), opts.RecoveryLevel)
	if err != nil {
		return fmt.Errorf("generating QR: %w", err)
	}
	fmt.Println(q.ToSmallString(false))
	return nil
}
