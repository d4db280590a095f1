package model

import "github.com/golang-jwt/jwt/v5"

// UserClaims are JWT claims identifying the user behind a connection
type UserClaims struct {
	UserID string `json:"userId"`
	jwt.RegisteredClaims
}

// TokenRequest is the request body for minting a development token
type TokenRequest struct {
	UserID string `json:"userId"`
}

// TokenResponse is returned after a token is minted
type TokenResponse struct {
	Token  string `json:"token"`
	UserID string `json:"userId"`
}
