package chat

import (
	"encoding/base64"
	"fmt"

	qrcode "github.com/skip2/go-qrcode"
)

// QRDataURI renders a pairing payload as a PNG data URI for browsers.
func QRDataURI(payload string, size int) (string, error) {
	if size <= 0 {
		size = 256
	}
	png, err := qrcode.Encode(payload, qrcode.Medium, size)
	if err != nil {
		return "", fmt.Errorf("chat: encode qr: %w", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}

// QRTerminal renders a pairing payload with half-block characters for a
// terminal.
func QRTerminal(payload string) (string, error) {
	q, err := qrcode.New(payload, qrcode.Low)
	if err != nil {
		return "", fmt.Errorf("chat: encode qr: %w", err)
	}
	return q.ToSmallString(false), nil
}
