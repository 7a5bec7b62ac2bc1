package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/redis/go-redis/v9"

	"github.com/docg1701/iam-dashboard/internal/repository"
)

const (
	pendingTOTPKeyPrefix = "2fa:pending:"
	backupCodeDigits     = 8
)

// TwoFactorManager handles TOTP enrollment and verification. Unconfirmed
// secrets are staged in the shared store with a short TTL; only a verified
// code promotes the secret onto the credential record.
type TwoFactorManager struct {
	rdb         redis.UniversalClient
	users       repository.UserRepository
	backupCodes repository.BackupCodeRepository
	issuer      string
	pendingTTL  time.Duration
	backupCount int
}

// TwoFactorSetup is returned from a setup request. The secret and backup
// codes are shown exactly once.
type TwoFactorSetup struct {
	Secret          string `json:"secret"`
	ProvisioningURI string `json:"provisioning_uri"`
}

func NewTwoFactorManager(rdb redis.UniversalClient, users repository.UserRepository, backupCodes repository.BackupCodeRepository, issuer string, pendingTTL time.Duration, backupCount int) *TwoFactorManager {
	return &TwoFactorManager{
		rdb:         rdb,
		users:       users,
		backupCodes: backupCodes,
		issuer:      issuer,
		pendingTTL:  pendingTTL,
		backupCount: backupCount,
	}
}

func pendingKey(userID uint) string {
	return pendingTOTPKeyPrefix + strconv.FormatUint(uint64(userID), 10)
}

// GenerateSetup creates a random secret and provisioning URI and stages the
// secret for a limited time. A second setup call overwrites the first; the
// confirmed credential record is untouched.
func (m *TwoFactorManager) GenerateSetup(ctx context.Context, userID uint, email string) (*TwoFactorSetup, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      m.issuer,
		AccountName: email,
		Period:      30,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return nil, fmt.Errorf("generate totp secret: %w", err)
	}
	if err := m.rdb.Set(ctx, pendingKey(userID), key.Secret(), m.pendingTTL).Err(); err != nil {
		return nil, storeErr("stage totp secret", err)
	}
	return &TwoFactorSetup{Secret: key.Secret(), ProvisioningURI: key.URL()}, nil
}

// Enable confirms the staged secret with a valid code, persists it to the
// credential store and returns the freshly generated backup codes. The
// pending entry is consumed on success.
func (m *TwoFactorManager) Enable(ctx context.Context, userID uint, code string) ([]string, error) {
	secret, err := m.rdb.Get(ctx, pendingKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrTwoFactorSetupExpired
	}
	if err != nil {
		return nil, storeErr("load pending totp secret", err)
	}
	if !m.Verify(secret, code) {
		return nil, unauthorized("invalid 2FA code")
	}

	codes, hashes, err := m.generateBackupCodes()
	if err != nil {
		return nil, err
	}
	if err := m.users.SetTOTPSecret(userID, secret); err != nil {
		return nil, err
	}
	if err := m.backupCodes.Replace(userID, hashes); err != nil {
		return nil, err
	}
	if err := m.rdb.Del(ctx, pendingKey(userID)).Err(); err != nil {
		return nil, storeErr("consume pending totp secret", err)
	}
	return codes, nil
}

// Disable clears the confirmed secret and any unused backup codes.
// Idempotent.
func (m *TwoFactorManager) Disable(ctx context.Context, userID uint) error {
	if err := m.users.ClearTOTPSecret(userID); err != nil {
		return err
	}
	if err := m.backupCodes.DeleteAll(userID); err != nil {
		return err
	}
	_ = m.rdb.Del(ctx, pendingKey(userID)).Err()
	return nil
}

// Verify checks a code against a secret with a one-step tolerance either
// side. Empty inputs report false rather than erroring so callers can probe
// speculatively.
func (m *TwoFactorManager) Verify(secret, code string) bool {
	if secret == "" || code == "" {
		return false
	}
	ok, err := totp.ValidateCustom(code, secret, time.Now(), totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && ok
}

// RedeemBackupCode consumes one unused backup code as an alternate second
// factor. A code can redeem at most once.
func (m *TwoFactorManager) RedeemBackupCode(userID uint, code string) error {
	if code == "" {
		return unauthorized("invalid 2FA code")
	}
	err := m.backupCodes.Consume(userID, hashBackupCode(code))
	if errors.Is(err, repository.ErrBackupCodeNotFound) {
		return unauthorized("invalid 2FA code")
	}
	return err
}

func (m *TwoFactorManager) generateBackupCodes() (codes []string, hashes []string, err error) {
	limit := new(big.Int).Exp(big.NewInt(10), big.NewInt(backupCodeDigits), nil)
	codes = make([]string, 0, m.backupCount)
	hashes = make([]string, 0, m.backupCount)
	for range m.backupCount {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return nil, nil, fmt.Errorf("generate backup code: %w", err)
		}
		code := fmt.Sprintf("%0*d", backupCodeDigits, n)
		codes = append(codes, code)
		hashes = append(hashes, hashBackupCode(code))
	}
	return codes, hashes, nil
}

func hashBackupCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}
