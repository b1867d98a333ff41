package rest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	apperrors "github.com/louisbranch/waypost/internal/platform/errors"
	"github.com/louisbranch/waypost/internal/services/tracker/domain"
	"github.com/louisbranch/waypost/internal/services/tracker/storage"
	"github.com/louisbranch/waypost/internal/sharegrant"
	"github.com/louisbranch/waypost/internal/version"
)

type principalContextKey struct{}

// principal is the resolved credential for one request. At most one field
// is set; both nil means the request is anonymous.
type principal struct {
	key   *domain.APIKey
	grant *sharegrant.Claims
}

// authenticate rejects incompatible clients and resolves bearer
// credentials into the request context. Anonymous requests pass through;
// handlers decide what they require.
func (s *Server) authenticate(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := version.CheckClient(r.Header.Get(version.HeaderClientVersion)); err != nil {
			s.writeError(w, r, clientVersionError(err))
			return
		}

		token := bearerToken(r)
		if token == "" {
			next(w, r)
			return
		}

		p := principal{}
		if domain.IsSecret(token) {
			key, err := s.lookupKey(r.Context(), token)
			if err != nil {
				s.writeError(w, r, err)
				return
			}
			p.key = &key
		} else {
			claims, err := s.verifyGrant(token)
			if err != nil {
				s.writeError(w, r, err)
				return
			}
			p.grant = &claims
		}
		next(w, r.WithContext(context.WithValue(r.Context(), principalContextKey{}, p)))
	})
}

// bearerToken extracts the credential from the Authorization header, or
// from query parameters for clients that cannot set headers, such as
// websocket upgrades from browsers.
func bearerToken(r *http.Request) string {
	if after, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return strings.TrimSpace(after)
	}
	if token := r.URL.Query().Get("api_key"); token != "" {
		return token
	}
	return r.URL.Query().Get("grant")
}

func (s *Server) lookupKey(ctx context.Context, secret string) (domain.APIKey, error) {
	key, err := s.stores.Keys.GetAPIKeyByHash(ctx, domain.HashSecret(secret))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return domain.APIKey{}, apperrors.New(apperrors.CodeAuthKeyInvalid, "unknown api key")
		}
		return domain.APIKey{}, err
	}
	if !domain.IsActive(key) {
		return domain.APIKey{}, apperrors.WithMetadata(apperrors.CodeAuthKeyRevoked,
			fmt.Sprintf("api key %s was revoked", key.Prefix),
			map[string]string{"key_prefix": key.Prefix})
	}
	if err := s.stores.Keys.TouchAPIKeyUsage(ctx, key.ID, s.clock().UTC()); err != nil {
		s.logger.Warn("touch api key usage", zap.String("key_id", key.ID), zap.Error(err))
	}
	return key, nil
}

func (s *Server) verifyGrant(token string) (sharegrant.Claims, error) {
	if s.grants == nil {
		return sharegrant.Claims{}, apperrors.New(apperrors.CodeShareGrantInvalid,
			"share grants are not enabled on this tracker")
	}
	return sharegrant.Verify(token, *s.grants)
}

func principalFrom(r *http.Request) principal {
	p, _ := r.Context().Value(principalContextKey{}).(principal)
	return p
}

// requireScope returns the request's API key when it grants scope. Share
// grants never satisfy it; write and admin surfaces are key-only.
func (s *Server) requireScope(r *http.Request, scope domain.Scope) (domain.APIKey, error) {
	p := principalFrom(r)
	if p.key == nil {
		if p.grant != nil {
			return domain.APIKey{}, apperrors.WithMetadata(apperrors.CodeAuthScopeInsufficient,
				"this operation requires an api key, not a share grant",
				map[string]string{"scope": string(scope)})
		}
		return domain.APIKey{}, apperrors.New(apperrors.CodeAuthKeyMissing, "api key is required")
	}
	if !domain.HasScope(*p.key, scope) {
		return domain.APIKey{}, apperrors.WithMetadata(apperrors.CodeAuthScopeInsufficient,
			fmt.Sprintf("api key %s lacks the %s scope", p.key.Prefix, scope),
			map[string]string{"scope": string(scope), "key_prefix": p.key.Prefix})
	}
	return *p.key, nil
}

// authorizeRead allows read access to the given project and run through
// either a read-scoped key or a share grant covering them.
func (s *Server) authorizeRead(r *http.Request, projectID, runID string) error {
	p := principalFrom(r)
	if p.key != nil {
		if domain.HasScope(*p.key, domain.ScopeRead) {
			return nil
		}
		return apperrors.WithMetadata(apperrors.CodeAuthScopeInsufficient,
			fmt.Sprintf("api key %s lacks the read scope", p.key.Prefix),
			map[string]string{"scope": string(domain.ScopeRead), "key_prefix": p.key.Prefix})
	}
	if p.grant != nil {
		if p.grant.Allows(projectID, runID) {
			return nil
		}
		return apperrors.WithMetadata(apperrors.CodeAuthScopeInsufficient,
			"share grant does not cover this run",
			map[string]string{"project_id": projectID, "run_id": runID})
	}
	return apperrors.New(apperrors.CodeAuthKeyMissing, "api key or share grant is required")
}

func clientVersionError(err error) error {
	var incompatible *version.ErrIncompatibleClient
	if errors.As(err, &incompatible) {
		return apperrors.WithMetadata(apperrors.CodeVersionClientIncompatible, err.Error(),
			map[string]string{
				"client":             incompatible.Client,
				"min_client_version": version.MinClientVersion,
			})
	}
	return apperrors.Wrap(apperrors.CodeVersionHeaderInvalid, err.Error(), err)
}
