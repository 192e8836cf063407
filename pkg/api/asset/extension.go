package asset

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/apphub-dev/apphub/pkg/api/endpoint"
	"github.com/apphub-dev/apphub/pkg/identifier"
	"github.com/apphub-dev/apphub/pkg/protocol"
	"github.com/apphub-dev/apphub/pkg/server"
)

var assetNamespace = identifier.MustNew("core", "asset")

// Endpoints.
var (
	EndpointUpload   = assetNamespace.Join("upload")
	EndpointDownload = assetNamespace.Join("download")
)

// Blob is the binary body of the upload endpoint and the download
// response: an asset id plus its bytes.
type Blob struct {
	ID   identifier.ID
	Data []byte
}

func EncodeBlob(b Blob) ([]byte, error) {
	enc := protocol.NewEncoder()
	enc.WriteString(b.ID.Key())
	enc.WriteBlob(b.Data)
	return enc.Bytes(), nil
}

func DecodeBlob(data []byte) (Blob, error) {
	dec := protocol.NewDecoder(data)
	key, err := dec.ReadString()
	if err != nil {
		return Blob{}, err
	}
	id, err := identifier.Parse(key)
	if err != nil {
		return Blob{}, err
	}
	raw, err := dec.ReadBlob()
	if err != nil {
		return Blob{}, err
	}
	return Blob{ID: id, Data: raw}, nil
}

// Extension serves the asset endpoints and the /asset HTTP route from
// a Store backend.
type Extension struct {
	srv    *server.Server
	store  Store
	logger *slog.Logger
}

// New wires the asset extension into the server with the given
// backend.
func New(srv *server.Server, endpoints *endpoint.Extension, store Store) *Extension {
	ext := &Extension{
		srv:    srv,
		store:  store,
		logger: srv.Logger().With("component", "asset"),
	}

	endpoints.MustBind(EndpointUpload, nil, ext.handleUpload)
	endpoints.MustBind(EndpointDownload, nil, ext.handleDownload)
	srv.Router().Get("/asset", ext.handleHTTP)
	return ext
}

// handleUpload stores an asset under the caller's namespace. Sessions
// may only write assets under their own app id.
func (ext *Extension) handleUpload(ctx context.Context, s *server.Session, req []byte) ([]byte, error) {
	blob, err := DecodeBlob(req)
	if err != nil {
		return nil, protocol.NewProtocolError(protocol.ReasonInvalidPacketData, "malformed asset upload", err)
	}
	if !s.Trusted() && !blob.ID.IsSubpathOf(s.App().ID) {
		return nil, &protocol.ConflictError{ID: blob.ID, Message: "asset id is not under the session's app id"}
	}
	if err := ext.store.Put(ctx, blob.ID, blob.Data); err != nil {
		return nil, err
	}
	return []byte(blob.ID.Key()), nil
}

func (ext *Extension) handleDownload(ctx context.Context, s *server.Session, req []byte) ([]byte, error) {
	id, err := identifier.Parse(string(req))
	if err != nil {
		return nil, protocol.NewProtocolError(protocol.ReasonInvalidPacketData, "malformed asset id", err)
	}
	data, err := ext.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return EncodeBlob(Blob{ID: id, Data: data})
}

// handleHTTP serves GET /asset?id=<identifier>.
func (ext *Extension) handleHTTP(w http.ResponseWriter, r *http.Request) {
	id, err := identifier.Parse(r.URL.Query().Get("id"))
	if err != nil {
		http.Error(w, "invalid asset id", http.StatusBadRequest)
		return
	}
	data, err := ext.store.Get(r.Context(), id)
	if errors.Is(err, ErrNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		ext.logger.Warn("asset read failed", "id", id.Key(), "error", err)
		http.Error(w, "asset read failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", http.DetectContentType(data))
	w.Header().Set("Cache-Control", "max-age=3600")
	_, _ = w.Write(data)
}
