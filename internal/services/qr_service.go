package services

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image/png"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/skip2/go-qrcode"

	"github.com/beanwallet/backend/internal/config"
)

// QRService issues one-time charge codes for the point of sale. A code binds
// a customer and an amount, lives in Redis under an explicit TTL, and is
// consumed exactly once; redeeming it runs the ledger charge.
type QRService struct {
	redis  *redis.Client
	ledger *LedgerService
	cfg    *config.QRConfig
}

func NewQRService(redisClient *redis.Client, ledger *LedgerService) *QRService {
	return &QRService{
		redis:  redisClient,
		ledger: ledger,
		cfg:    config.LoadQRConfig(),
	}
}

type chargeCodePayload struct {
	UserID      string `json:"userId"`
	AmountMinor int64  `json:"amountMinor"`
	Nonce       string `json:"nonce"`
	IssuedAt    int64  `json:"issuedAt"`
}

// GenerateChargeCode creates a one-time code for charging userID the given
// amount and returns the code plus a base64 PNG rendering for display.
func (s *QRService) GenerateChargeCode(ctx context.Context, userID string, amountMinor int64) (string, string, error) {
	if userID == "" || amountMinor <= 0 {
		return "", "", fmt.Errorf("%w: user id and positive amount required", ErrValidationFailed)
	}

	payload := chargeCodePayload{
		UserID:      userID,
		AmountMinor: amountMinor,
		Nonce:       s.generateNonce(),
		IssuedAt:    time.Now().Unix(),
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return "", "", err
	}

	code := base64.URLEncoding.EncodeToString(jsonData)

	key := fmt.Sprintf("%s:%s", s.cfg.KeyPrefix, code)
	if err := s.redis.Set(ctx, key, jsonData, s.cfg.CodeTTL).Err(); err != nil {
		return "", "", fmt.Errorf("store charge code: %w", err)
	}

	qr, err := qrcode.New(code, qrcode.Medium)
	if err != nil {
		return "", "", err
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, qr.Image(s.cfg.ImagePixels)); err != nil {
		return "", "", err
	}

	return code, base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// RedeemChargeCode consumes a scanned code and executes the charge it
// encodes. GETDEL removes the code in the same round trip, so two terminals
// racing on the same code can't both charge.
func (s *QRService) RedeemChargeCode(ctx context.Context, code string, note string) (string, error) {
	key := fmt.Sprintf("%s:%s", s.cfg.KeyPrefix, code)

	data, err := s.redis.GetDel(ctx, key).Bytes()
	if err == redis.Nil {
		return "", fmt.Errorf("%w: invalid or expired charge code", ErrValidationFailed)
	}
	if err != nil {
		return "", fmt.Errorf("fetch charge code: %w", err)
	}

	var payload chargeCodePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return "", fmt.Errorf("%w: malformed charge code payload", ErrValidationFailed)
	}

	return s.ledger.Charge(ctx, ChargeRequest{
		UserID:      payload.UserID,
		AmountMinor: payload.AmountMinor,
		Note:        note,
	})
}

func (s *QRService) generateNonce() string {
	b := make([]byte, 16)
	rand.Read(b)
	return base64.URLEncoding.EncodeToString(b)
}
