package scenesync

import (
	"fmt"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// optional session auth. when the relay is configured with a shared
// secret, clients must present a jwt in Hello that binds their client id
// and room name under that secret.

func SessionToken(secret string, clientId Id, room string) (string, error) {
	claims := gojwt.MapClaims{
		"client_id": clientId.String(),
		"room": room,
	}
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func VerifySessionToken(secret string, tokenStr string, clientId Id, room string) error {
	token, err := gojwt.Parse(tokenStr, func(token *gojwt.Token) (any, error) {
		if _, ok := token.Method.(*gojwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return err
	}
	claims, ok := token.Claims.(gojwt.MapClaims)
	if !ok {
		return fmt.Errorf("bad claims")
	}
	if claimClientId, ok := claims["client_id"].(string); !ok || claimClientId != clientId.String() {
		return fmt.Errorf("token client id mismatch")
	}
	if claimRoom, ok := claims["room"].(string); !ok || claimRoom != room {
		return fmt.Errorf("token room mismatch")
	}
	return nil
}
