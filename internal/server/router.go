package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/zap"

	"github.com/glowcity/glow/backend/internal/beacon"
	"github.com/glowcity/glow/backend/internal/gate"
	"github.com/glowcity/glow/backend/internal/heat"
	"github.com/glowcity/glow/backend/internal/identity"
	"github.com/glowcity/glow/backend/internal/scan"
	"github.com/glowcity/glow/backend/internal/token"
)

const (
	defaultGuestCookieName = "glow_guest"
	defaultGuestCookieTTL  = 180 * 24 * time.Hour

	abuseWindow    = 10 * time.Minute
	abuseThreshold = 5
)

var (
	errMissingResolver = errors.New("identity resolver dependency required")
	errMissingPipeline = errors.New("gating pipeline dependency required")
	errMissingLedger   = errors.New("scan ledger dependency required")
	errMissingCodec    = errors.New("payload codec dependency required")
	errMissingHeat     = errors.New("heat reader dependency required")
)

// ActorResolver derives the caller identity for a scan request.
type ActorResolver interface {
	Resolve(ctx context.Context, bearerToken, guestCookie string) (identity.Actor, error)
}

// ScanGate runs the gating pipeline for one attempt.
type ScanGate interface {
	Evaluate(ctx context.Context, req gate.Request) (gate.Decision, error)
}

// ScanRecorder persists scan outcomes and issues rewards.
type ScanRecorder interface {
	RecordGranted(ctx context.Context, b beacon.Beacon, actor identity.Actor) (scan.Grant, error)
	RecordDenied(ctx context.Context, b beacon.Beacon, actor identity.Actor, reason string) error
}

// PayloadVerifier authenticates signed /x/ tokens.
type PayloadVerifier interface {
	Verify(tokenString string) (token.Payload, error)
}

// HeatReader serves published aggregates only.
type HeatReader interface {
	ReadHeat(ctx context.Context, bbox heat.BBox, asOf time.Time) ([]heat.PublishedHeatCell, error)
	ReadTrails(ctx context.Context, bbox heat.BBox, asOf time.Time) ([]heat.PublishedTrailCell, error)
}

type Dependencies struct {
	Resolver ActorResolver
	Pipeline ScanGate
	Ledger   ScanRecorder
	Codec    PayloadVerifier
	Heat     HeatReader

	GuestCookieName string
	GuestCookieTTL  time.Duration
	Clock           func() time.Time
	Logger          *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Resolver == nil {
		return nil, errMissingResolver
	}
	if deps.Pipeline == nil {
		return nil, errMissingPipeline
	}
	if deps.Ledger == nil {
		return nil, errMissingLedger
	}
	if deps.Codec == nil {
		return nil, errMissingCodec
	}
	if deps.Heat == nil {
		return nil, errMissingHeat
	}

	cookieName := deps.GuestCookieName
	if cookieName == "" {
		cookieName = defaultGuestCookieName
	}
	cookieTTL := deps.GuestCookieTTL
	if cookieTTL <= 0 {
		cookieTTL = defaultGuestCookieTTL
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type", "Accept"},
		MaxAge:       12 * time.Hour,
	}))

	badSignatures := ttlcache.New[string, int](
		ttlcache.WithTTL[string, int](abuseWindow),
	)
	go badSignatures.Start()

	handler := &httpHandler{
		resolver:      deps.Resolver,
		pipeline:      deps.Pipeline,
		ledger:        deps.Ledger,
		codec:         deps.Codec,
		heat:          deps.Heat,
		cookieName:    cookieName,
		cookieTTL:     cookieTTL,
		clock:         clock,
		logger:        logger,
		badSignatures: badSignatures,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/l/:code", handler.handleLinkScan)
	router.GET("/x/:token", handler.handleTokenScan)
	router.GET("/map/heat", handler.handleHeat)
	router.GET("/map/trails", handler.handleTrails)

	return router, nil
}

type httpHandler struct {
	resolver      ActorResolver
	pipeline      ScanGate
	ledger        ScanRecorder
	codec         PayloadVerifier
	heat          HeatReader
	cookieName    string
	cookieTTL     time.Duration
	clock         func() time.Time
	logger        *zap.Logger
	badSignatures *ttlcache.Cache[string, int]
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleLinkScan(c *gin.Context) {
	actor, ok := h.resolveActor(c)
	if !ok {
		return
	}
	h.runScan(c, actor, gate.Request{
		Code:  c.Param("code"),
		Actor: actor,
	})
}

func (h *httpHandler) handleTokenScan(c *gin.Context) {
	actor, ok := h.resolveActor(c)
	if !ok {
		return
	}

	payload, err := h.codec.Verify(c.Param("token"))
	if err != nil {
		h.rejectToken(c, actor, err)
		return
	}
	h.runScan(c, actor, gate.Request{
		Code:  payload.Code,
		Kind:  payload.Kind,
		Nonce: payload.Nonce,
		Actor: actor,
	})
}

func (h *httpHandler) rejectToken(c *gin.Context, actor identity.Actor, verifyErr error) {
	switch {
	case errors.Is(verifyErr, token.ErrBadSignature):
		h.trackBadSignature(actor)
		c.JSON(http.StatusForbidden, gin.H{"error": "bad_signature", "message": "This pass could not be verified."})
	case errors.Is(verifyErr, token.ErrExpired):
		c.JSON(http.StatusForbidden, gin.H{"error": "expired", "message": "This pass has expired."})
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed", "message": "This pass could not be read."})
	}
}

// trackBadSignature counts forged-token attempts per actor inside a sliding
// window. Crossing the threshold is surfaced to the log stream only; blocking
// is an operator decision, not a handler one.
func (h *httpHandler) trackBadSignature(actor identity.Actor) {
	count := 1
	if current := h.badSignatures.Get(actor.ID); current != nil {
		count = current.Value() + 1
	}
	h.badSignatures.Set(actor.ID, count, ttlcache.DefaultTTL)
	if count >= abuseThreshold {
		h.logger.Warn("repeated bad payload signatures from one actor",
			zap.String("actor_id", actor.ID),
			zap.Int("count", count))
	}
}

func (h *httpHandler) resolveActor(c *gin.Context) (identity.Actor, bool) {
	bearer := ""
	if header := c.GetHeader("Authorization"); strings.HasPrefix(header, "Bearer ") {
		bearer = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	cookie, _ := c.Cookie(h.cookieName)

	actor, err := h.resolver.Resolve(c.Request.Context(), bearer, cookie)
	if err != nil {
		h.logger.Error("actor resolution failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "unavailable"})
		return identity.Actor{}, false
	}
	if actor.MintedCookie != "" {
		c.SetCookie(h.cookieName, actor.MintedCookie, int(h.cookieTTL/time.Second), "/", "", false, true)
	}
	return actor, true
}

func (h *httpHandler) runScan(c *gin.Context, actor identity.Actor, req gate.Request) {
	decision, err := h.pipeline.Evaluate(c.Request.Context(), req)
	if err != nil {
		h.logger.Error("gating pipeline failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "unavailable"})
		return
	}

	if !decision.Allowed {
		if decision.Beacon != nil {
			if err := h.ledger.RecordDenied(c.Request.Context(), *decision.Beacon, actor, string(decision.Reason)); err != nil {
				h.logger.Error("failed to record denied scan", zap.Error(err))
			}
		}
		c.JSON(denialStatus(decision.Reason), gin.H{
			"error":   string(decision.Reason),
			"message": decision.Message,
		})
		return
	}

	grant, err := h.ledger.RecordGranted(c.Request.Context(), *decision.Beacon, actor)
	if err != nil {
		h.logger.Error("failed to record granted scan", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "unavailable"})
		return
	}

	if wantsJSON(c) {
		c.JSON(http.StatusOK, gin.H{
			"success":         true,
			"beacon":          decision.Beacon.Code,
			"redirect":        decision.Redirect,
			"xp":              grant.XP,
			"already_granted": grant.AlreadyGranted,
		})
		return
	}
	c.Redirect(http.StatusFound, decision.Redirect)
}

func denialStatus(reason gate.Reason) int {
	switch reason {
	case gate.ReasonNotFound:
		return http.StatusNotFound
	case gate.ReasonAuthRequired:
		return http.StatusUnauthorized
	default:
		return http.StatusForbidden
	}
}

func wantsJSON(c *gin.Context) bool {
	if c.Query("format") == "json" {
		return true
	}
	return strings.Contains(c.GetHeader("Accept"), "application/json")
}

func (h *httpHandler) handleHeat(c *gin.Context) {
	bbox, ok := parseBBox(c)
	if !ok {
		return
	}
	cells, err := h.heat.ReadHeat(c.Request.Context(), bbox, h.clock())
	if err != nil {
		h.logger.Error("heat read failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cells": cells})
}

func (h *httpHandler) handleTrails(c *gin.Context) {
	bbox, ok := parseBBox(c)
	if !ok {
		return
	}
	trails, err := h.heat.ReadTrails(c.Request.Context(), bbox, h.clock())
	if err != nil {
		h.logger.Error("trail read failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trails": trails})
}

func parseBBox(c *gin.Context) (heat.BBox, bool) {
	values := make([]float64, 0, 4)
	for _, name := range []string{"min_lat", "min_lng", "max_lat", "max_lng"} {
		parsed, err := strconv.ParseFloat(c.Query(name), 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_bbox"})
			return heat.BBox{}, false
		}
		values = append(values, parsed)
	}
	bbox := heat.BBox{
		MinLatitude:  values[0],
		MinLongitude: values[1],
		MaxLatitude:  values[2],
		MaxLongitude: values[3],
	}
	if bbox.MinLatitude > bbox.MaxLatitude || bbox.MinLongitude > bbox.MaxLongitude {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_bbox"})
		return heat.BBox{}, false
	}
	return bbox, true
}
