// Package s3io implements the object-store side of boundary uploads: small
// object PUTs and multipart transfers against the destination and scoped
// credentials issued by the platform API. No store endpoint or credential
// is ever read from ambient configuration.
package s3io

import (
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Credentials are the session-scoped credentials from an upload session
// response.
type Credentials struct {
	AccessKeyID     string    `json:"accessKeyId"`
	SecretAccessKey string    `json:"secretAccessKey"`
	SessionToken    string    `json:"sessionToken"`
	Expiration      time.Time `json:"expiration"`
}

// Session describes the destination the API issued for one upload request.
type Session struct {
	Bucket    string      `json:"bucket"`
	Region    string      `json:"region"`
	KeyPrefix string      `json:"keyPrefix"`
	// Endpoint overrides the store endpoint; used by test servers and
	// S3-compatible stores. Empty for the default AWS endpoint.
	Endpoint    string      `json:"endpoint,omitempty"`
	Credentials Credentials `json:"credentials"`
}

// newClient builds an S3 client from the session only.
func newClient(sess Session) *s3.Client {
	opts := s3.Options{
		Region: sess.Region,
		Credentials: aws.NewCredentialsCache(credentials.NewStaticCredentialsProvider(
			sess.Credentials.AccessKeyID,
			sess.Credentials.SecretAccessKey,
			sess.Credentials.SessionToken,
		)),
	}
	if sess.Endpoint != "" {
		opts.BaseEndpoint = aws.String(sess.Endpoint)
		// Path-style addressing for custom endpoints (test servers don't
		// resolve virtual-hosted bucket names).
		opts.UsePathStyle = true
	}
	return s3.New(opts)
}
