package conversation

import (
	"slices"
	"sort"
	"strconv"
	"time"

	"roulette-chat/internal/codec"
	"roulette-chat/internal/models"
)

// mergeIncoming appends messages not yet in the window and drops the
// placeholders they confirm. It reports false, and returns window untouched,
// when nothing changed.
func mergeIncoming(window, incoming []models.DecryptedMessage) ([]models.DecryptedMessage, bool) {
	present := make(map[string]struct{}, len(window)+len(incoming))
	for _, m := range window {
		if !m.IsPlaceholder() {
			present[m.ID] = struct{}{}
		}
	}

	var fresh []models.DecryptedMessage
	for _, m := range incoming {
		if _, ok := present[m.ID]; ok {
			continue
		}
		present[m.ID] = struct{}{}
		fresh = append(fresh, m)
	}

	// Confirmations can arrive in a page that was already merged, so match
	// placeholders against every real row seen in this round.
	confirmed := make(map[string]struct{})
	for _, m := range incoming {
		if m.ClientRef != "" {
			confirmed[m.ClientRef] = struct{}{}
		}
	}

	removed := 0
	kept := make([]models.DecryptedMessage, 0, len(window)+len(fresh))
	legacy := legacyMatches(fresh)
	for _, m := range window {
		if m.IsPlaceholder() {
			if _, ok := confirmed[m.ClientRef]; ok {
				removed++
				continue
			}
			key := contentKey{m.SenderID, m.Plaintext}
			if legacy[key] > 0 {
				legacy[key]--
				removed++
				continue
			}
		}
		kept = append(kept, m)
	}

	if len(fresh) == 0 && removed == 0 {
		return window, false
	}
	kept = append(kept, fresh...)
	sortByTime(kept)
	return kept, true
}

type contentKey struct {
	senderID  string
	plaintext string
}

// legacyMatches counts rows written without a client ref. Those can only be
// matched to a placeholder by sender and content.
func legacyMatches(msgs []models.DecryptedMessage) map[contentKey]int {
	out := make(map[contentKey]int)
	for _, m := range msgs {
		if m.ClientRef == "" {
			out[contentKey{m.SenderID, m.Plaintext}]++
		}
	}
	return out
}

// prependOlder puts an older page in front of the window, skipping ids
// already present.
func prependOlder(window, older []models.DecryptedMessage) []models.DecryptedMessage {
	present := make(map[string]struct{}, len(window))
	for _, m := range window {
		present[m.ID] = struct{}{}
	}
	out := make([]models.DecryptedMessage, 0, len(older)+len(window))
	for _, m := range older {
		if _, ok := present[m.ID]; !ok {
			out = append(out, m)
		}
	}
	return append(out, window...)
}

// applyStatuses advances the status of matching self-authored messages.
func applyStatuses(window []models.DecryptedMessage, rows []models.MessageStatusRow) ([]models.DecryptedMessage, bool) {
	byID := make(map[string]models.MessageStatus, len(rows))
	for _, r := range rows {
		byID[strconv.FormatInt(r.ID, 10)] = codec.ResolveStatus(r.Status, r.IsRead)
	}

	var out []models.DecryptedMessage
	for i, m := range window {
		next, ok := byID[m.ID]
		if !ok || !m.IsMine {
			continue
		}
		advanced := m.Status.Advance(next)
		if advanced == m.Status {
			continue
		}
		if out == nil {
			out = slices.Clone(window)
		}
		out[i].Status = advanced
	}
	if out == nil {
		return window, false
	}
	return out, true
}

// markIncomingRead advances every message authored by the peer to read.
func markIncomingRead(window []models.DecryptedMessage) ([]models.DecryptedMessage, bool) {
	var out []models.DecryptedMessage
	for i, m := range window {
		if m.IsMine || m.Status == models.StatusRead {
			continue
		}
		if out == nil {
			out = slices.Clone(window)
		}
		out[i].Status = m.Status.Advance(models.StatusRead)
	}
	if out == nil {
		return window, false
	}
	return out, true
}

func removePlaceholder(window []models.DecryptedMessage, clientRef string) []models.DecryptedMessage {
	out := make([]models.DecryptedMessage, 0, len(window))
	for _, m := range window {
		if m.IsPlaceholder() && m.ClientRef == clientRef {
			continue
		}
		out = append(out, m)
	}
	return out
}

func placeholders(window []models.DecryptedMessage) []models.DecryptedMessage {
	var out []models.DecryptedMessage
	for _, m := range window {
		if m.IsPlaceholder() {
			out = append(out, m)
		}
	}
	return out
}

// selfAuthoredIDs returns the numeric ids of confirmed messages sent by self.
func selfAuthoredIDs(window []models.DecryptedMessage) []int64 {
	var ids []int64
	for _, m := range window {
		if !m.IsMine || m.IsPlaceholder() {
			continue
		}
		id, err := strconv.ParseInt(m.ID, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

func hasUnreadFromPeer(msgs []models.DecryptedMessage) bool {
	for _, m := range msgs {
		if !m.IsMine && m.Status != models.StatusRead {
			return true
		}
	}
	return false
}

// sortByTime orders chronologically; ties keep their current order.
func sortByTime(msgs []models.DecryptedMessage) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
}

// bounds returns the oldest and newest timestamps of fetched rows.
func bounds(envs []models.MessageEnvelope) (oldest, newest time.Time) {
	for i, env := range envs {
		if i == 0 || env.CreatedAt.Before(oldest) {
			oldest = env.CreatedAt
		}
		if i == 0 || env.CreatedAt.After(newest) {
			newest = env.CreatedAt
		}
	}
	return oldest, newest
}

func reversed(envs []models.MessageEnvelope) []models.MessageEnvelope {
	out := make([]models.MessageEnvelope, len(envs))
	for i, env := range envs {
		out[len(envs)-1-i] = env
	}
	return out
}
