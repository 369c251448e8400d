/*Package deadletter archives dropped message payloads in S3

With the drop failure policy an unprocessable message is acknowledged and
would otherwise be lost entirely. The archive keeps the raw payload under
s3://{bucket}/{tenant}/{time}-{id}.json for later inspection. Archiving
is best effort: an upload failure is logged and never blocks the
acknowledgment.
*/
package deadletter

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
)

// Archive stores dropped payloads in an S3 bucket.
type Archive struct {
	uploader *manager.Uploader
	bucket   string
}

// New creates an archive for the bucket, using the standard AWS
// environment for credentials and region.
func New(ctx context.Context, bucket string) (*Archive, error) {
	awscfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("cannot configure dead letter archive: %w", err)
	}
	return &Archive{
		uploader: manager.NewUploader(s3.NewFromConfig(awscfg)),
		bucket:   bucket,
	}, nil
}

// Store uploads one dropped payload for the tenant.
func (a *Archive) Store(ctx context.Context, tenant string, payload []byte) error {
	key := fmt.Sprintf("%s/%s-%s.json", tenant,
		time.Now().UTC().Format("20060102T150405"), uuid.New().String())
	_, err := a.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(payload),
	})
	return err
}
