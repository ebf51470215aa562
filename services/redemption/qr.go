package redemption

import (
	"encoding/json"
	"time"

	qrcode "github.com/skip2/go-qrcode"
)

// QRPayload is the document embedded in the redemption QR image. Offline
// fallback is typing just the code, so every field here must also be
// recoverable server-side from the code alone.
type QRPayload struct {
	ID             string `json:"id"`
	StudentID      string `json:"studentId"`
	ProductID      string `json:"productId"`
	RedemptionCode string `json:"redemptionCode"`
	Token          string `json:"token"`
	Timestamp      int64  `json:"timestamp"`
	Expiry         int64  `json:"expiry"`
}

func newQRPayload(r *Redemption, rawToken string, issuedAt time.Time) QRPayload {
	return QRPayload{
		ID:             r.ID,
		StudentID:      r.StudentID,
		ProductID:      r.ProductID,
		RedemptionCode: r.RedemptionCode,
		Token:          rawToken,
		Timestamp:      issuedAt.Unix(),
		Expiry:         r.ExpiresAt.Unix(),
	}
}

func (p QRPayload) Encode() ([]byte, error) {
	return json.Marshal(p)
}

func DecodeQRPayload(data []byte) (QRPayload, error) {
	var p QRPayload
	err := json.Unmarshal(data, &p)
	return p, err
}

// renderPNG encodes the payload into a QR PNG suitable for printing on
// low-resolution classroom printers.
func renderPNG(payload []byte, size int) ([]byte, error) {
	return qrcode.Encode(string(payload), qrcode.Medium, size)
}
