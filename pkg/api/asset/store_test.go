package asset

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/apphub-dev/apphub/pkg/identifier"
)

func TestDirStoreRoundTrip(t *testing.T) {
	store, err := NewDirStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	id := identifier.MustNew("com.example", "photos", "cat.png")

	if _, err := store.Get(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("get before put: %v", err)
	}
	if err := store.Put(ctx, id, []byte("png-bytes")); err != nil {
		t.Fatalf("put: %v", err)
	}
	data, err := store.Get(ctx, id)
	if err != nil || string(data) != "png-bytes" {
		t.Fatalf("get: %q, %v", data, err)
	}

	// Overwrite replaces the previous blob.
	if err := store.Put(ctx, id, []byte("v2")); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	data, _ = store.Get(ctx, id)
	if string(data) != "v2" {
		t.Fatalf("after overwrite: %q", data)
	}

	if err := store.Delete(ctx, id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := store.Delete(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("double delete: %v", err)
	}
}

type fakeS3 struct {
	objects map[string][]byte
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	if f.objects == nil {
		f.objects = make(map[string][]byte)
	}
	f.objects[*in.Key] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	data, ok := f.objects[*in.Key]
	if !ok {
		return nil, &s3types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	delete(f.objects, *in.Key)
	return &s3.DeleteObjectOutput{}, nil
}

func TestS3StorePrefixesKeys(t *testing.T) {
	fake := &fakeS3{}
	store := NewS3Store(fake, "hub-assets", "assets")
	ctx := context.Background()
	id := identifier.MustNew("com.example", "photos", "cat.png")

	if err := store.Put(ctx, id, []byte("png-bytes")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if len(fake.objects) != 1 {
		t.Fatalf("objects = %v", fake.objects)
	}
	for key := range fake.objects {
		if key[:7] != "assets/" {
			t.Fatalf("key %q missing prefix", key)
		}
	}

	data, err := store.Get(ctx, id)
	if err != nil || string(data) != "png-bytes" {
		t.Fatalf("get: %q, %v", data, err)
	}

	if _, err := store.Get(ctx, identifier.MustNew("com.example", "missing")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing object: %v", err)
	}

	if err := store.Delete(ctx, id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Get(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("after delete: %v", err)
	}
}
