package mailbox

import (
	"context"
	"fmt"
	"time"

	"coldreach/models"
	"coldreach/utils"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/microsoft"
	"gorm.io/gorm"
)

const (
	ProviderGoogle    = "google"
	ProviderMicrosoft = "microsoft"

	refreshLeeway = 5 * time.Minute
)

// OAuthClient holds the app credentials registered with a provider.
type OAuthClient struct {
	ClientID     string
	ClientSecret string
}

// Credentials resolves decrypted passwords and fresh access tokens for
// accounts. Refreshed tokens are written back encrypted.
type Credentials struct {
	db      *gorm.DB
	cipher  *utils.Cipher
	configs map[string]*oauth2.Config
	log     *logrus.Entry
}

func NewCredentials(db *gorm.DB, cipher *utils.Cipher, googleApp, microsoftApp OAuthClient, log *logrus.Entry) *Credentials {
	c := &Credentials{
		db:      db,
		cipher:  cipher,
		configs: map[string]*oauth2.Config{},
		log:     log,
	}
	if googleApp.ClientID != "" {
		c.configs[ProviderGoogle] = &oauth2.Config{
			ClientID:     googleApp.ClientID,
			ClientSecret: googleApp.ClientSecret,
			Endpoint:     google.Endpoint,
			Scopes:       []string{"https://mail.google.com/"},
		}
	}
	if microsoftApp.ClientID != "" {
		c.configs[ProviderMicrosoft] = &oauth2.Config{
			ClientID:     microsoftApp.ClientID,
			ClientSecret: microsoftApp.ClientSecret,
			Endpoint:     microsoft.AzureADEndpoint("common"),
			Scopes: []string{
				"https://outlook.office.com/SMTP.Send",
				"https://outlook.office.com/IMAP.AccessAsUser.All",
				"offline_access",
			},
		}
	}
	return c
}

// SetProviderConfig overrides the OAuth config of a provider.
func (c *Credentials) SetProviderConfig(provider string, conf *oauth2.Config) {
	c.configs[provider] = conf
}

func (c *Credentials) SMTPPassword(account *models.EmailAccount) (string, error) {
	pw, err := c.cipher.Decrypt(account.SMTPPassword)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt SMTP password: %w", err)
	}
	return pw, nil
}

// IMAPPassword falls back to the SMTP password for providers sharing one login.
func (c *Credentials) IMAPPassword(account *models.EmailAccount) (string, error) {
	if account.IMAPPassword == "" {
		return c.SMTPPassword(account)
	}
	pw, err := c.cipher.Decrypt(account.IMAPPassword)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt IMAP password: %w", err)
	}
	return pw, nil
}

// AccessToken returns a bearer token valid for at least refreshLeeway,
// refreshing and persisting it when needed.
func (c *Credentials) AccessToken(ctx context.Context, account *models.EmailAccount) (string, error) {
	access, err := c.cipher.Decrypt(account.OAuthToken)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt access token: %w", err)
	}

	if account.OAuthExpiry == nil || time.Until(*account.OAuthExpiry) > refreshLeeway {
		return access, nil
	}

	conf, ok := c.configs[account.OAuthProvider]
	if !ok {
		return "", fmt.Errorf("no OAuth client configured for provider %q", account.OAuthProvider)
	}
	refresh, err := c.cipher.Decrypt(account.OAuthRefreshToken)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt refresh token: %w", err)
	}
	if refresh == "" {
		return "", fmt.Errorf("access token for %s expired and no refresh token stored", account.FromEmail)
	}

	tok, err := conf.TokenSource(ctx, &oauth2.Token{
		AccessToken:  access,
		RefreshToken: refresh,
		Expiry:       *account.OAuthExpiry,
	}).Token()
	if err != nil {
		return "", fmt.Errorf("failed to refresh OAuth token: %w", err)
	}

	if err := c.persist(account, tok); err != nil {
		return "", err
	}

	c.log.WithFields(logrus.Fields{
		"account_id": account.ID,
		"provider":   account.OAuthProvider,
		"expiry":     tok.Expiry,
	}).Info("Refreshed OAuth token")
	return tok.AccessToken, nil
}

func (c *Credentials) persist(account *models.EmailAccount, tok *oauth2.Token) error {
	encAccess, err := c.cipher.Encrypt(tok.AccessToken)
	if err != nil {
		return err
	}
	updates := map[string]interface{}{
		"oauth_token":  encAccess,
		"oauth_expiry": tok.Expiry,
	}
	account.OAuthToken = encAccess
	account.OAuthExpiry = &tok.Expiry

	if tok.RefreshToken != "" {
		encRefresh, err := c.cipher.Encrypt(tok.RefreshToken)
		if err != nil {
			return err
		}
		updates["oauth_refresh_token"] = encRefresh
		account.OAuthRefreshToken = encRefresh
	}

	if err := c.db.Model(&models.EmailAccount{}).Where("id = ?", account.ID).Updates(updates).Error; err != nil {
		return fmt.Errorf("failed to store refreshed token: %w", err)
	}
	return nil
}
