// Package service implements the signal lifecycle: role checks, input
// validation, image handling and orchestration of the record and blob stores.
// Every error it returns is an *errordefs.Error.
package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/oklog/ulid/v2"
	errordefs "github.com/signalapi/signal-service/internal/errors"
	"github.com/signalapi/signal-service/internal/media"
	"github.com/signalapi/signal-service/internal/metrics"
	"github.com/signalapi/signal-service/internal/model"
	"github.com/signalapi/signal-service/internal/schema"
	"github.com/signalapi/signal-service/internal/storage"
	"github.com/signalapi/signal-service/internal/telemetry"
	"github.com/zeebo/blake3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Options tunes validation of new reports.
type Options struct {
	MaxImageSize     int64            // Bytes; zero disables the check
	AllowedMimeTypes []string         // Empty allows any sniffed type
	Now              func() time.Time // Clock for image keys; defaults to time.Now
	Logger           *slog.Logger     // Defaults to slog.Default()
}

// Service is the signal lifecycle core.
type Service struct {
	signals   storage.SignalStore
	types     storage.TypeCatalog
	regions   storage.RegionDirectory
	images    media.Store
	validator *schema.Validator
	metrics   *metrics.Metrics
	log       *slog.Logger

	maxImageSize int64
	allowedMimes []string
	now          func() time.Time
	entropy      io.Reader // Monotonic ULID entropy shared by all creates
}

// New creates a Service over the given collaborators.
func New(signals storage.SignalStore, types storage.TypeCatalog, regions storage.RegionDirectory, images media.Store, validator *schema.Validator, opts Options) *Service {
	s := &Service{
		signals:      signals,
		types:        types,
		regions:      regions,
		images:       images,
		validator:    validator,
		metrics:      metrics.NewMetrics(),
		log:          opts.Logger,
		maxImageSize: opts.MaxImageSize,
		allowedMimes: opts.AllowedMimeTypes,
		now:          opts.Now,
		entropy:      &ulid.LockedMonotonicReader{MonotonicReader: ulid.Monotonic(rand.Reader, 0)},
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Create validates a new report, stores its image and inserts the record.
// If the insert fails the image is removed again.
func (s *Service) Create(ctx context.Context, caller model.Caller, in model.CreateSignalInput) (_ *model.Signal, err error) {
	ctx, span := s.start(ctx, "Create", caller)
	defer func() { finish(span, err) }()

	if err := s.Authorize(ctx, OpCreate, caller); err != nil {
		return nil, err
	}

	username := strings.TrimSpace(in.Username)
	if username == "" {
		username = caller.Username
	}
	if username != caller.Username && !caller.HasRole(model.RoleAdmin) {
		return nil, errordefs.New(errordefs.SIGNAL_OWNER_MISMATCH, "username must match the authenticated user", "")
	}

	if len(in.ImageData) == 0 {
		return nil, errordefs.New(errordefs.SIGNAL_VALIDATION, "image is required", "")
	}
	if s.maxImageSize > 0 && int64(len(in.ImageData)) > s.maxImageSize {
		return nil, errordefs.NewWithDetails(errordefs.SIGNAL_MEDIA_SIZE, "image exceeds maximum size", "",
			map[string]int64{"size": int64(len(in.ImageData)), "maxSize": s.maxImageSize})
	}
	mime := mimetype.Detect(in.ImageData)
	if len(s.allowedMimes) > 0 && !mimetype.EqualsAny(mime.String(), s.allowedMimes...) {
		return nil, errordefs.NewWithDetails(errordefs.SIGNAL_MEDIA_TYPE, "image type not allowed", "",
			map[string]interface{}{"mimeType": mime.String(), "allowed": s.allowedMimes})
	}

	if !finite(in.Latitude) || !finite(in.Longitude) {
		return nil, errordefs.New(errordefs.SIGNAL_VALIDATION, "coordinates must be finite numbers", "")
	}
	if in.Date.IsZero() {
		return nil, errordefs.New(errordefs.SIGNAL_VALIDATION, "date is required", "")
	}
	status := in.Status
	if status == "" {
		status = model.StatusPending
	}
	if err := checkStatus(status); err != nil {
		return nil, err
	}
	typeName := strings.TrimSpace(in.TypeName)

	doc := map[string]interface{}{
		"typeSignal":  typeName,
		"description": in.Description,
		"latitude":    in.Latitude,
		"longitude":   in.Longitude,
		"status":      string(status),
		"date":        in.Date.Format(time.DateOnly),
		"username":    username,
	}
	if err := s.validate(schema.DocumentCreate, doc); err != nil {
		return nil, err
	}

	typ, err := storageCall(s, "get_type", func() (*model.TypeSignal, error) {
		return s.types.GetTypeByName(ctx, typeName)
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, errordefs.New(errordefs.SIGNAL_TYPE_NOT_FOUND, fmt.Sprintf("unknown signal type %q", typeName), "")
		}
		return nil, storageFailure("failed to look up signal type", err)
	}

	key, err := s.imageKey(username, in.ImageFilename, mime)
	if err != nil {
		return nil, errordefs.Wrap(errordefs.SIGNAL_INTERNAL, "failed to generate image key", err)
	}
	err = s.images.Put(ctx, key, in.ImageData, mime.String())
	s.metrics.ObserveMedia("put", len(in.ImageData), err)
	if err != nil {
		return nil, storageFailure("failed to store image", err)
	}

	y, m, d := in.Date.Date()
	sig := &model.Signal{
		Image:       key,
		Description: in.Description,
		TypeSignal:  []model.TypeSignal{*typ},
		Latitude:    in.Latitude,
		Longitude:   in.Longitude,
		Status:      status,
		Date:        time.Date(y, m, d, 0, 0, 0, 0, time.UTC),
		Username:    username,
		Seen:        0,
	}
	_, err = storageCall(s, "create_signal", func() (struct{}, error) {
		return struct{}{}, s.signals.CreateSignal(ctx, sig)
	})
	if err != nil {
		derr := s.images.Delete(context.WithoutCancel(ctx), key)
		s.metrics.ObserveMedia("delete", 0, ignoreNotFound(derr))
		if ignoreNotFound(derr) != nil {
			s.log.WarnContext(ctx, "failed to remove image after insert failure", slog.String("image", key), slog.Any("error", derr))
		}
		return nil, storageFailure("failed to store signal", err)
	}

	span.SetAttributes(attribute.Int64("signal.id", sig.ID), attribute.String("signal.image", key))
	s.log.InfoContext(ctx, "signal created", slog.Int64("id", sig.ID), slog.String("username", username), slog.String("type", typeName))
	return sig, nil
}

// List returns every signal.
func (s *Service) List(ctx context.Context, caller model.Caller) (_ []model.Signal, err error) {
	ctx, span := s.start(ctx, "List", caller)
	defer func() { finish(span, err) }()

	if err := s.Authorize(ctx, OpList, caller); err != nil {
		return nil, err
	}
	signals, err := storageCall(s, "list_signals", func() ([]model.Signal, error) {
		return s.signals.ListSignals(ctx)
	})
	if err != nil {
		return nil, storageFailure("failed to list signals", err)
	}
	return signals, nil
}

// Get returns one signal by id.
func (s *Service) Get(ctx context.Context, caller model.Caller, id int64) (_ *model.Signal, err error) {
	ctx, span := s.start(ctx, "Get", caller)
	defer func() { finish(span, err) }()
	span.SetAttributes(attribute.Int64("signal.id", id))

	if err := s.Authorize(ctx, OpGet, caller); err != nil {
		return nil, err
	}
	return s.load(ctx, id)
}

// ListByRegion returns the signals assigned to region. A moderator passing an
// empty region gets the signals of their own region.
func (s *Service) ListByRegion(ctx context.Context, caller model.Caller, region string) (_ []model.Signal, err error) {
	ctx, span := s.start(ctx, "ListByRegion", caller)
	defer func() { finish(span, err) }()

	if err := s.Authorize(ctx, OpListByRegion, caller); err != nil {
		return nil, err
	}

	region = strings.TrimSpace(region)
	if region == "" {
		if !caller.HasRole(model.RoleModerator) {
			return nil, errordefs.New(errordefs.SIGNAL_VALIDATION, "region is required", "")
		}
		if region, err = s.lookupRegion(ctx, caller.Username); err != nil {
			return nil, err
		}
	}
	span.SetAttributes(attribute.String("signal.region", region))

	signals, err := storageCall(s, "list_signals_by_region", func() ([]model.Signal, error) {
		return s.signals.ListSignalsByRegion(ctx, region)
	})
	if err != nil {
		return nil, storageFailure("failed to list signals", err)
	}
	return signals, nil
}

// ListByUsername returns the signals reported by username, or by the caller
// when username is empty.
func (s *Service) ListByUsername(ctx context.Context, caller model.Caller, username string) (_ []model.Signal, err error) {
	ctx, span := s.start(ctx, "ListByUsername", caller)
	defer func() { finish(span, err) }()

	if err := s.Authorize(ctx, OpListByUsername, caller); err != nil {
		return nil, err
	}
	if username = strings.TrimSpace(username); username == "" {
		username = caller.Username
	}

	signals, err := storageCall(s, "list_signals_by_username", func() ([]model.Signal, error) {
		return s.signals.ListSignalsByUsername(ctx, username)
	})
	if err != nil {
		return nil, storageFailure("failed to list signals", err)
	}
	return signals, nil
}

// RegionForUser returns the region username belongs to, or the caller's
// region when username is empty.
func (s *Service) RegionForUser(ctx context.Context, caller model.Caller, username string) (_ string, err error) {
	ctx, span := s.start(ctx, "RegionForUser", caller)
	defer func() { finish(span, err) }()

	if err := s.Authorize(ctx, OpRegionForUser, caller); err != nil {
		return "", err
	}
	if username = strings.TrimSpace(username); username == "" {
		username = caller.Username
	}
	return s.lookupRegion(ctx, username)
}

// UpdateStatus sets the status of one signal.
func (s *Service) UpdateStatus(ctx context.Context, caller model.Caller, id int64, status string) (err error) {
	ctx, span := s.start(ctx, "UpdateStatus", caller)
	defer func() { finish(span, err) }()
	span.SetAttributes(attribute.Int64("signal.id", id))

	if err := s.Authorize(ctx, OpUpdateStatus, caller); err != nil {
		return err
	}
	status = strings.TrimSpace(status)
	if err := checkStatus(model.Status(status)); err != nil {
		return err
	}
	if err := s.validate(schema.DocumentStatus, map[string]interface{}{"status": status}); err != nil {
		return err
	}

	_, err = storageCall(s, "update_signal_status", func() (struct{}, error) {
		return struct{}{}, s.signals.UpdateSignalStatus(ctx, id, model.Status(status))
	})
	if err != nil {
		return notFoundOr(err, "failed to update signal status")
	}
	s.log.InfoContext(ctx, "signal status updated", slog.Int64("id", id), slog.String("status", status), slog.String("by", caller.Username))
	return nil
}

// UpdateRegion assigns one signal to a region.
func (s *Service) UpdateRegion(ctx context.Context, caller model.Caller, id int64, region string) (err error) {
	ctx, span := s.start(ctx, "UpdateRegion", caller)
	defer func() { finish(span, err) }()
	span.SetAttributes(attribute.Int64("signal.id", id))

	if err := s.Authorize(ctx, OpUpdateRegion, caller); err != nil {
		return err
	}
	region = strings.TrimSpace(region)
	if err := s.validate(schema.DocumentRegion, map[string]interface{}{"region": region}); err != nil {
		return err
	}

	_, err = storageCall(s, "update_signal_region", func() (struct{}, error) {
		return struct{}{}, s.signals.UpdateSignalRegion(ctx, id, region)
	})
	if err != nil {
		return notFoundOr(err, "failed to update signal region")
	}
	s.log.InfoContext(ctx, "signal region updated", slog.Int64("id", id), slog.String("region", region), slog.String("by", caller.Username))
	return nil
}

// Delete removes a signal. Admins may delete any signal, users only their own.
// The image is removed after the record; a failure there is only logged.
func (s *Service) Delete(ctx context.Context, caller model.Caller, id int64) (err error) {
	ctx, span := s.start(ctx, "Delete", caller)
	defer func() { finish(span, err) }()
	span.SetAttributes(attribute.Int64("signal.id", id))

	if err := s.Authorize(ctx, OpDelete, caller); err != nil {
		return err
	}

	sig, err := s.load(ctx, id)
	if err != nil {
		return err
	}
	if !caller.HasRole(model.RoleAdmin) && sig.Username != caller.Username {
		s.metrics.AuthzDeniedTotal.WithLabelValues(string(OpDelete)).Inc()
		return errordefs.New(errordefs.SIGNAL_AUTHZ, "only the owner or an admin may delete a signal", "")
	}

	_, err = storageCall(s, "delete_signal", func() (struct{}, error) {
		return struct{}{}, s.signals.DeleteSignal(ctx, id)
	})
	if err != nil {
		return notFoundOr(err, "failed to delete signal")
	}

	derr := s.images.Delete(ctx, sig.Image)
	s.metrics.ObserveMedia("delete", 0, ignoreNotFound(derr))
	if ignoreNotFound(derr) != nil {
		s.log.WarnContext(ctx, "failed to remove image of deleted signal", slog.Int64("id", id), slog.String("image", sig.Image), slog.Any("error", derr))
	}

	s.log.InfoContext(ctx, "signal deleted", slog.Int64("id", id), slog.String("by", caller.Username))
	return nil
}

// Image returns the stored image named filename.
func (s *Service) Image(ctx context.Context, caller model.Caller, filename string) (_ *model.Image, err error) {
	ctx, span := s.start(ctx, "Image", caller)
	defer func() { finish(span, err) }()
	span.SetAttributes(attribute.String("signal.image", filename))

	if err := s.Authorize(ctx, OpImage, caller); err != nil {
		return nil, err
	}
	if !media.ValidKey(filename) {
		return nil, errordefs.New(errordefs.SIGNAL_IMAGE_NOT_FOUND, "image not found", "")
	}

	data, err := s.images.Get(ctx, filename)
	s.metrics.ObserveMedia("get", len(data), ignoreNotFound(err))
	if err != nil {
		if errors.Is(err, media.ErrNotFound) {
			return nil, errordefs.New(errordefs.SIGNAL_IMAGE_NOT_FOUND, "image not found", "")
		}
		return nil, storageFailure("failed to read image", err)
	}

	sum := blake3.Sum256(data)
	return &model.Image{
		Filename:    filename,
		Data:        data,
		ContentType: mimetype.Detect(data).String(),
		Digest:      hex.EncodeToString(sum[:]),
	}, nil
}

// ListTypes returns the type catalog.
func (s *Service) ListTypes(ctx context.Context, caller model.Caller) (_ []model.TypeSignal, err error) {
	ctx, span := s.start(ctx, "ListTypes", caller)
	defer func() { finish(span, err) }()

	if err := s.Authorize(ctx, OpListTypes, caller); err != nil {
		return nil, err
	}
	types, err := storageCall(s, "list_types", func() ([]model.TypeSignal, error) {
		return s.types.ListTypes(ctx)
	})
	if err != nil {
		return nil, storageFailure("failed to list signal types", err)
	}
	return types, nil
}

// load reads one signal, mapping a missing record to SIGNAL_NOT_FOUND.
func (s *Service) load(ctx context.Context, id int64) (*model.Signal, error) {
	sig, err := storageCall(s, "get_signal", func() (*model.Signal, error) {
		return s.signals.GetSignal(ctx, id)
	})
	if err != nil {
		return nil, notFoundOr(err, "failed to get signal")
	}
	return sig, nil
}

func (s *Service) lookupRegion(ctx context.Context, username string) (string, error) {
	region, err := storageCall(s, "get_region", func() (string, error) {
		return s.regions.GetRegionForUser(ctx, username)
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", errordefs.New(errordefs.SIGNAL_NOT_FOUND, fmt.Sprintf("no region for user %q", username), "")
		}
		return "", storageFailure("failed to look up region", err)
	}
	return region, nil
}

// validate runs the schema check and converts violations to SIGNAL_VALIDATION.
func (s *Service) validate(document string, doc map[string]interface{}) error {
	err := s.validator.Validate(document, doc)
	s.metrics.SchemaValidationTotal.WithLabelValues(document, outcome(err)).Inc()
	if err == nil {
		return nil
	}
	var verr *schema.ValidationError
	if errors.As(err, &verr) {
		return errordefs.NewWithDetails(errordefs.SIGNAL_VALIDATION, "invalid "+document, "", verr.Problems)
	}
	return errordefs.Wrap(errordefs.SIGNAL_INTERNAL, "schema validation failed", err)
}

// imageKey builds "{username}_{ulid}{ext}". The ULID is monotonic, so keys
// differ even for creates in the same millisecond.
func (s *Service) imageKey(username, filename string, mime *mimetype.MIME) (string, error) {
	id, err := ulid.New(ulid.Timestamp(s.now()), s.entropy)
	if err != nil {
		return "", err
	}

	ext := sanitize(strings.TrimPrefix(strings.ToLower(filepath.Ext(filename)), "."), 10)
	if ext == "" {
		ext = strings.TrimPrefix(mime.Extension(), ".")
	}
	if ext == "" {
		ext = "bin"
	}

	user := sanitize(username, 64)
	if user == "" {
		user = "user"
	}
	return fmt.Sprintf("%s_%s.%s", user, id.String(), ext), nil
}

// sanitize keeps ASCII letters, digits and '-', replacing anything else with
// '-', and truncates to max bytes.
func sanitize(v string, max int) string {
	var b strings.Builder
	for _, r := range v {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
		if b.Len() >= max {
			break
		}
	}
	return strings.Trim(b.String(), "-")
}

func (s *Service) start(ctx context.Context, name string, caller model.Caller) (context.Context, trace.Span) {
	ctx, span := telemetry.Tracer().Start(ctx, "service."+name)
	span.SetAttributes(attribute.String("caller.username", caller.Username))
	return ctx, span
}

func finish(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(errordefs.CodeOf(err)))
	}
	span.End()
}

// storageCall times a record store call. Missing records are not counted as
// store failures.
func storageCall[T any](s *Service, operation string, fn func() (T, error)) (T, error) {
	start := time.Now()
	v, err := fn()
	s.metrics.ObserveStorage(operation, start, ignoreNotFound(err))
	return v, err
}

func ignoreNotFound(err error) error {
	if errors.Is(err, storage.ErrNotFound) || errors.Is(err, media.ErrNotFound) {
		return nil
	}
	return err
}

func notFoundOr(err error, message string) error {
	if errors.Is(err, storage.ErrNotFound) {
		return errordefs.New(errordefs.SIGNAL_NOT_FOUND, "signal not found", "")
	}
	return storageFailure(message, err)
}

// checkStatus rejects statuses outside the closed set.
func checkStatus(status model.Status) error {
	if status.Valid() {
		return nil
	}
	return errordefs.NewWithDetails(errordefs.SIGNAL_VALIDATION, fmt.Sprintf("unknown status %q", status), "",
		map[string]interface{}{"status": string(status), "allowed": model.Statuses})
}

// storageFailure reports a failed store call. Calls that timed out are
// SIGNAL_UNAVAILABLE.
func storageFailure(message string, err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return errordefs.Wrap(errordefs.SIGNAL_UNAVAILABLE, message, err)
	}
	return errordefs.Wrap(errordefs.SIGNAL_STORAGE, message, err)
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func outcome(err error) string {
	if err != nil {
		return "invalid"
	}
	return "valid"
}
