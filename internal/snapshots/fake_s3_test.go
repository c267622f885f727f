package snapshots

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

type fakeObject struct {
	body []byte
	etag string
}

// fakeObjectAPI honours If-Match and If-None-Match the way S3 does.
type fakeObjectAPI struct {
	mutex   sync.Mutex
	objects map[string]fakeObject
	writes  int
}

func newFakeObjectAPI() *fakeObjectAPI {
	return &fakeObjectAPI{objects: make(map[string]fakeObject)}
}

func (f *fakeObjectAPI) keys() []string {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	keys := make([]string, 0, len(f.objects))
	for key := range f.objects {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func (f *fakeObjectAPI) GetObject(_ context.Context, params *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	object, ok := f.objects[aws.ToString(params.Key)]
	if !ok {
		return nil, &types.NoSuchKey{Message: aws.String("missing")}
	}
	return &s3.GetObjectOutput{
		Body: io.NopCloser(bytes.NewReader(object.body)),
		ETag: aws.String(object.etag),
	}, nil
}

func (f *fakeObjectAPI) PutObject(_ context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	body, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	f.mutex.Lock()
	defer f.mutex.Unlock()
	key := aws.ToString(params.Key)
	existing, exists := f.objects[key]
	if params.IfNoneMatch != nil && exists {
		return nil, &smithy.GenericAPIError{Code: "PreconditionFailed", Message: "object exists"}
	}
	if params.IfMatch != nil && (!exists || existing.etag != aws.ToString(params.IfMatch)) {
		return nil, &smithy.GenericAPIError{Code: "PreconditionFailed", Message: "etag mismatch"}
	}
	f.writes++
	etag := fmt.Sprintf("\"etag-%d\"", f.writes)
	f.objects[key] = fakeObject{body: body, etag: etag}
	return &s3.PutObjectOutput{ETag: aws.String(etag)}, nil
}
