package pubsub

import (
	"crypto/sha256"
	"fmt"

	"github.com/coregx/gopubsub/matcher"
	"github.com/coregx/gopubsub/model"
)

// Authenticate resolves basic-auth credentials to the endpoint they belong to.
// Every failure returns ErrUnauthorized; the reason is only logged.
func (r *Registry) Authenticate(username, password string) (model.Endpoint, error) {
	r.mu.RLock()
	var sec model.Security
	secID, ok := r.usernameToSecID[username]
	if ok {
		sec = *r.securities[secID]
	}
	r.mu.RUnlock()

	if !ok {
		r.logger.Warnf("Authentication failed, unknown username `%s`", username)
		return model.Endpoint{}, ErrUnauthorized
	}
	if !sec.IsActive {
		r.logger.Warnf("Authentication failed, security definition `%s` is inactive", sec.Name)
		return model.Endpoint{}, ErrUnauthorized
	}
	if !r.checkPassword(sec, password) {
		r.logger.Warnf("Authentication failed, invalid password for `%s`", username)
		return model.Endpoint{}, ErrUnauthorized
	}

	ep, err := r.GetEndpointBySecID(sec.ID)
	if err != nil {
		r.logger.Warnf("Authentication failed, no endpoint for security definition `%s`", sec.Name)
		return model.Endpoint{}, ErrUnauthorized
	}
	if !ep.IsActive {
		r.logger.Warnf("Authentication failed, endpoint `%s` is inactive", ep.Name)
		return model.Endpoint{}, ErrUnauthorized
	}
	return ep, nil
}

// Authorize checks that ep may perform op on topicName: its role must allow the
// operation and one of its patterns must match.
func (r *Registry) Authorize(ep model.Endpoint, topicName string, op matcher.Operation) matcher.Result {
	switch op {
	case matcher.OpPublish:
		if !ep.Role.CanPublish() {
			return matcher.Result{Reason: fmt.Sprintf("Endpoint `%s` with role `%s` cannot publish", ep.Name, ep.Role)}
		}
	case matcher.OpSubscribe:
		if !ep.Role.CanSubscribe() {
			return matcher.Result{Reason: fmt.Sprintf("Endpoint `%s` with role `%s` cannot subscribe", ep.Name, ep.Role)}
		}
	}
	return r.matcher.Evaluate(ep.SecurityID, topicName, op)
}

// authorize is Authorize that logs denials and turns them into ErrUnauthorized.
func (r *Registry) authorize(cid string, ep model.Endpoint, topicName string, op matcher.Operation) (matcher.Result, error) {
	res := r.Authorize(ep, topicName, op)
	if !res.IsOK {
		r.logger.Warnf("[%s] Endpoint `%s` denied %s on `%s`: %s", cid, ep.Name, op, topicName, res.Reason)
		return res, ErrUnauthorized
	}
	return res, nil
}

// checkPassword runs the bcrypt comparison once per security definition and
// password. Later calls with the same pair compare a digest that also covers
// the stored hash, so a password change never matches an old entry.
func (r *Registry) checkPassword(sec model.Security, password string) bool {
	digest := sha256.Sum256([]byte(sec.PasswordHash + "\x00" + password))
	if known, ok := r.verified.Load(sec.ID); ok && known == digest {
		return true
	}
	if !sec.CheckPassword(password) {
		return false
	}
	r.verified.Store(sec.ID, digest)
	return true
}
