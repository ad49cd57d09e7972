package models

import (
	"github.com/golang-jwt/jwt/v5"
)

// ServiceClaims identifies a trusted caller of the ingest endpoint, such as a
// stream forwarder instance.
type ServiceClaims struct {
	Consumer string `json:"consumer"`
	jwt.RegisteredClaims
}
