package store

import (
	"context"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/outofforest/tandem/wire"
)

const (
	keyLastUpdate = "last_update"
	keyGPID       = "gpid"
	keyLastServer = "last_server"
	keyLastPort   = "last_port"
	keyLastUser   = "last_user"
	keyOptions    = "options"
	keyNamePrefix = "name/"
)

// NameTag selects the name map.
type NameTag byte

// Name maps.
const (
	TagEnum   NameTag = 'E'
	TagStruct NameTag = 'T'
)

// Server is the remembered connection target.
type Server struct {
	Host string
	Port uint16
	User string
}

// NewState wraps the KV with typed accessors of the synchronization state.
func NewState(kv KV) *State {
	return &State{kv: kv}
}

// State is the typed view of the persisted synchronization state.
type State struct {
	kv KV
}

// LastUpdate returns the persisted watermark, 0 if never set.
func (s *State) LastUpdate(ctx context.Context) (uint64, error) {
	v, ok, err := s.kv.Get(ctx, keyLastUpdate)
	if err != nil || !ok {
		return 0, err
	}
	b := wire.NewBufferFrom(v)
	id := b.ReadUint64()
	return id, errors.Wrap(b.Err(), "decoding watermark")
}

// SetLastUpdate persists the watermark.
func (s *State) SetLastUpdate(ctx context.Context, id uint64) error {
	b := wire.NewBuffer()
	b.WriteUint64(id)
	return s.kv.Put(ctx, keyLastUpdate, b.Written())
}

// GPID returns the project the document belongs to.
func (s *State) GPID(ctx context.Context) (wire.GPID, bool, error) {
	var gpid wire.GPID
	v, ok, err := s.kv.Get(ctx, keyGPID)
	if err != nil || !ok {
		return gpid, false, err
	}
	if len(v) != wire.GPIDSize {
		return gpid, false, errors.Errorf("stored gpid has %d bytes", len(v))
	}
	copy(gpid[:], v)
	return gpid, true, nil
}

// SetGPID persists the project id.
func (s *State) SetGPID(ctx context.Context, gpid wire.GPID) error {
	return s.kv.Put(ctx, keyGPID, gpid[:])
}

// Server returns the remembered connection target.
func (s *State) Server(ctx context.Context) (Server, error) {
	var srv Server
	host, _, err := s.kv.Get(ctx, keyLastServer)
	if err != nil {
		return srv, err
	}
	user, _, err := s.kv.Get(ctx, keyLastUser)
	if err != nil {
		return srv, err
	}
	srv.Host = string(host)
	srv.User = string(user)

	port, ok, err := s.kv.Get(ctx, keyLastPort)
	if err != nil || !ok {
		return srv, err
	}
	b := wire.NewBufferFrom(port)
	srv.Port = b.ReadUint16()
	return srv, errors.Wrap(b.Err(), "decoding port")
}

// SetServer remembers the connection target.
func (s *State) SetServer(ctx context.Context, srv Server) error {
	if err := s.kv.Put(ctx, keyLastServer, []byte(srv.Host)); err != nil {
		return err
	}
	if err := s.kv.Put(ctx, keyLastUser, []byte(srv.User)); err != nil {
		return err
	}
	b := wire.NewBuffer()
	b.WriteUint16(srv.Port)
	return s.kv.Put(ctx, keyLastPort, b.Written())
}

// Options returns the remembered publish/subscribe mask.
func (s *State) Options(ctx context.Context) (wire.Mask, bool, error) {
	v, ok, err := s.kv.Get(ctx, keyOptions)
	if err != nil || !ok {
		return wire.Mask{}, false, err
	}
	b := wire.NewBufferFrom(v)
	m := wire.Mask{
		Publish:   b.ReadUint64(),
		Subscribe: b.ReadUint64(),
	}
	if err := b.Err(); err != nil {
		return wire.Mask{}, false, errors.Wrap(err, "decoding options")
	}
	return m, true, nil
}

// SetOptions remembers the publish/subscribe mask.
func (s *State) SetOptions(ctx context.Context, m wire.Mask) error {
	b := wire.NewBuffer()
	b.WriteUint64(m.Publish)
	b.WriteUint64(m.Subscribe)
	return s.kv.Put(ctx, keyOptions, b.Written())
}

// SetName records the last known name of the local entity.
func (s *State) SetName(ctx context.Context, tag NameTag, id uint64, name string) error {
	return s.kv.Put(ctx, nameKey(tag, id), []byte(name))
}

// Name returns the last known name of the local entity.
func (s *State) Name(ctx context.Context, tag NameTag, id uint64) (string, bool, error) {
	v, ok, err := s.kv.Get(ctx, nameKey(tag, id))
	return string(v), ok, err
}

// DeleteName forgets the entity.
func (s *State) DeleteName(ctx context.Context, tag NameTag, id uint64) error {
	return s.kv.Delete(ctx, nameKey(tag, id))
}

// FindByName returns id of the entity whose last known name is name.
func (s *State) FindByName(ctx context.Context, tag NameTag, name string) (uint64, bool, error) {
	names, err := s.Names(ctx, tag)
	if err != nil {
		return 0, false, err
	}
	for id, n := range names {
		if n == name {
			return id, true, nil
		}
	}
	return 0, false, nil
}

// Names returns the whole name map.
func (s *State) Names(ctx context.Context, tag NameTag) (map[uint64]string, error) {
	prefix := namePrefix(tag)
	keys, err := s.kv.Keys(ctx, prefix)
	if err != nil {
		return nil, err
	}
	names := make(map[uint64]string, len(keys))
	for _, k := range keys {
		id, err := strconv.ParseUint(strings.TrimPrefix(k, prefix), 16, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid name key %q", k)
		}
		v, ok, err := s.kv.Get(ctx, k)
		if err != nil {
			return nil, err
		}
		if ok {
			names[id] = string(v)
		}
	}
	return names, nil
}

// Clean removes the whole synchronization state.
func (s *State) Clean(ctx context.Context) error {
	keys, err := s.kv.Keys(ctx, "")
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := s.kv.Delete(ctx, k); err != nil {
			return err
		}
	}
	return nil
}

func namePrefix(tag NameTag) string {
	return keyNamePrefix + string(rune(tag)) + "/"
}

func nameKey(tag NameTag, id uint64) string {
	return namePrefix(tag) + strconv.FormatUint(id, 16)
}
