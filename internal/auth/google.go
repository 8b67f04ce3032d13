package auth

import (
	"context"
	"errors"
	"strings"

	"google.golang.org/api/idtoken"
)

var ErrInvalidGoogleToken = errors.New("invalid google id token")

// GoogleUserInfo 외부 신원 검증기가 돌려주는 사용자 정보
type GoogleUserInfo struct {
	ID            string
	Email         string
	EmailVerified bool
	Name          string
	Picture       string
}

// GoogleAuthenticator 외부 신원 검증기 (Google ID Token). 코어는 이 토큰을
// 불투명한 bearer 자격으로만 다루고, 검증 실패 시 연결을 거부한다.
type GoogleAuthenticator struct {
	clientID string
}

// NewGoogleAuthenticator GoogleAuthenticator 생성
func NewGoogleAuthenticator(clientID string) *GoogleAuthenticator {
	return &GoogleAuthenticator{
		clientID: clientID,
	}
}

// VerifyIDToken Google ID Token 검증
func (g *GoogleAuthenticator) VerifyIDToken(ctx context.Context, idToken string) (*GoogleUserInfo, error) {
	payload, err := idtoken.Validate(ctx, idToken, g.clientID)
	if err != nil {
		return nil, ErrInvalidGoogleToken
	}

	emailVerified, _ := payload.Claims["email_verified"].(bool)
	if !emailVerified {
		return nil, errors.New("email not verified")
	}

	email, _ := payload.Claims["email"].(string)
	info := &GoogleUserInfo{
		ID:            payload.Subject,
		Email:         email,
		EmailVerified: emailVerified,
		Name:          getStringClaim(payload.Claims, "name"),
		Picture:       getStringClaim(payload.Claims, "picture"),
	}
	if info.Name == "" {
		info.Name = DisplayNameFromEmail(email)
	}
	return info, nil
}

// DisplayNameFromEmail derives a display name from the local part of an
// email address when the identity provider supplies none.
func DisplayNameFromEmail(email string) string {
	if at := strings.IndexByte(email, '@'); at > 0 {
		return email[:at]
	}
	return email
}

func getStringClaim(claims map[string]interface{}, key string) string {
	if val, ok := claims[key].(string); ok {
		return val
	}
	return ""
}
