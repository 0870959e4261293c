package service

import (
	"fmt"

	"subaccount-core/internal/exchange"
	"subaccount-core/internal/ledger"
	"subaccount-core/internal/model"
)

// Cipher 对称加密, 由 crypto_util.StringCipher 实现
type Cipher interface {
	Seal(plaintext string) (string, error)
	Open(sealed string) (string, error)
}

// Vault 负责子账户 API 凭证的落库加密与使用时解密
type Vault struct {
	cipher Cipher
}

func NewVault(cipher Cipher) *Vault {
	return &Vault{cipher: cipher}
}

// Seal 加密交易所下发的新凭证
func (v *Vault) Seal(info *exchange.APIKeyInfo) (ledger.Credentials, error) {
	key, err := v.cipher.Seal(info.APIKey)
	if err != nil {
		return ledger.Credentials{}, fmt.Errorf("seal api key: %w", err)
	}
	secret, err := v.cipher.Seal(info.SecretKey)
	if err != nil {
		return ledger.Credentials{}, fmt.Errorf("seal api secret: %w", err)
	}
	return ledger.Credentials{
		APIKey:       key,
		APISecret:    secret,
		CanTrade:     info.CanTrade,
		MarginTrade:  info.MarginTrade,
		FuturesTrade: info.FuturesTrade,
	}, nil
}

// Open 解密子账户凭证, 只在调用交易所时使用
func (v *Vault) Open(sa *model.SubAccount) (exchange.Credentials, error) {
	if sa.APIKey == "" || sa.APISecret == "" {
		return exchange.Credentials{}, fmt.Errorf("sub account %s has no credentials", sa.SubAccountID)
	}
	key, err := v.cipher.Open(sa.APIKey)
	if err != nil {
		return exchange.Credentials{}, fmt.Errorf("open api key: %w", err)
	}
	secret, err := v.cipher.Open(sa.APISecret)
	if err != nil {
		return exchange.Credentials{}, fmt.Errorf("open api secret: %w", err)
	}
	return exchange.Credentials{APIKey: key, APISecret: secret}, nil
}
