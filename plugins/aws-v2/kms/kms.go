// Package kms keeps the datasafe ReadStorePassword sealed by AWS KMS master keys.
//
// The password is encrypted under the master key of every configured region. Any region can open the
// sealed form, so a deployment survives the loss of a single region.
//
//	sp, err := kms.NewAWS("us-west-2", map[string]string{"us-west-2": arn})
//	password, err := sp.Open(ctx, sealed)
//	config := datasafe.NewConfig(root, password)
package kms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/rcrowley/go-metrics"
	"golang.org/x/sync/errgroup"

	"github.com/godaddy/datasafe"
	"github.com/godaddy/datasafe/internal"
	"github.com/godaddy/datasafe/pkg/log"
)

var (
	sealTimer = metrics.GetOrRegisterTimer(datasafe.MetricsPrefix+".kms.aws.seal", nil)
	openTimer = metrics.GetOrRegisterTimer(datasafe.MetricsPrefix+".kms.aws.open", nil)
)

// ErrOpenFailed is returned when no configured region could decrypt a sealed password.
var ErrOpenFailed = errors.New("unable to open sealed store password")

// AWSClient is an interface that defines the set of Amazon KMS API operations required by this package.
type AWSClient interface {
	Encrypt(ctx context.Context, params *kms.EncryptInput, optFns ...func(*kms.Options)) (*kms.EncryptOutput, error)
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// StorePassword seals and opens the system wide keystore password with AWS KMS.
// Use the Builder to create a new StorePassword.
type StorePassword struct {
	clients []regionalClient
}

// NewAWS returns a new StorePassword using the default AWS configuration.
//
// Note that this function is a convenience wrapper around the Builder and is equivalent to:
//
//	sp, err := kms.NewBuilder(arnMap)
//	    .WithPreferredRegion(region)
//	    .Build()
func NewAWS(preferredRegion string, arnMap map[string]string) (*StorePassword, error) {
	return NewBuilder(arnMap).
		WithPreferredRegion(preferredRegion).
		Build()
}

// PreferredRegion returns the region tried first by Open.
func (s *StorePassword) PreferredRegion() string {
	return s.clients[0].Region
}

// Seal encrypts password in every configured region. It fails if any region fails, so that a sealed
// password can always be opened by each region listed in it.
func (s *StorePassword) Seal(ctx context.Context, password string) ([]byte, error) {
	defer sealTimer.UpdateSince(time.Now())

	plaintext := []byte(password)
	defer internal.MemClr(plaintext)

	sealed := sealedPassword{Ciphertexts: make([]regionalCiphertext, len(s.clients))}

	g, gctx := errgroup.WithContext(ctx)

	for i, c := range s.clients {
		g.Go(func() error {
			resp, err := c.Encrypt(gctx, plaintext)
			if err != nil {
				return fmt.Errorf("error encrypting store password in region (%s): %w", c.Region, err)
			}

			sealed.Ciphertexts[i] = regionalCiphertext{
				Region:     c.Region,
				ARN:        c.MasterKeyARN,
				Ciphertext: resp.CiphertextBlob,
			}

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	b, err := json.Marshal(sealed)
	if err != nil {
		return nil, fmt.Errorf("error marshalling sealed password: %w", err)
	}

	return b, nil
}

// Open decrypts a password produced by Seal. The preferred region is tried first; if it fails the
// remaining regions are tried in order.
func (s *StorePassword) Open(ctx context.Context, data []byte) (string, error) {
	defer openTimer.UpdateSince(time.Now())

	var sealed sealedPassword

	if err := json.Unmarshal(data, &sealed); err != nil {
		return "", fmt.Errorf("unable to unmarshal sealed password: %w", err)
	}

	for _, c := range s.clients {
		i := slices.IndexFunc(sealed.Ciphertexts, func(rc regionalCiphertext) bool {
			return rc.Region == c.Region
		})
		if i < 0 {
			log.Debugf("no ciphertext found for region: %s\n", c.Region)
			continue
		}

		resp, err := c.Decrypt(ctx, sealed.Ciphertexts[i].Ciphertext)
		if err != nil {
			log.Debugf("error kms decrypt in region (%s): %s\n", c.Region, err)
			continue
		}

		password := string(resp.Plaintext)
		internal.MemClr(resp.Plaintext)

		return password, nil
	}

	return "", ErrOpenFailed
}

// sealedPassword is the stored form of a sealed password.
type sealedPassword struct {
	Ciphertexts []regionalCiphertext `json:"kmsCiphertexts"`
}

type regionalCiphertext struct {
	Region     string `json:"region"`
	ARN        string `json:"arn"`
	Ciphertext []byte `json:"ciphertext"`
}

// regionalClient contains a KMS client and the master key used in its region.
type regionalClient struct {
	Client       AWSClient
	Region       string
	MasterKeyARN string
}

func (r *regionalClient) Encrypt(ctx context.Context, plaintext []byte) (*kms.EncryptOutput, error) {
	start := time.Now()

	resp, err := r.Client.Encrypt(ctx, &kms.EncryptInput{
		KeyId:     &r.MasterKeyARN,
		Plaintext: plaintext,
	})

	metrics.GetOrRegisterTimer(fmt.Sprintf("%s.kms.aws.encrypt.%s", datasafe.MetricsPrefix, r.Region), nil).UpdateSince(start)

	return resp, err
}

func (r *regionalClient) Decrypt(ctx context.Context, ciphertext []byte) (*kms.DecryptOutput, error) {
	start := time.Now()

	resp, err := r.Client.Decrypt(ctx, &kms.DecryptInput{
		KeyId:          &r.MasterKeyARN,
		CiphertextBlob: ciphertext,
	})

	metrics.GetOrRegisterTimer(fmt.Sprintf("%s.kms.aws.decrypt.%s", datasafe.MetricsPrefix, r.Region), nil).UpdateSince(start)

	return resp, err
}
