package cardsync

import (
	"sort"
	"time"
)

// CascadeImpact is the derived blast radius of discarding one action: every
// causally dependent action plus the items, counters, decks, and battle
// results that must be reversed with it. It is computed on demand and never
// persisted.
type CascadeImpact struct {
	RootActionID       string           `json:"root_action_id"`
	TotalActions       int              `json:"total_actions"`
	DependentActionIDs []string         `json:"dependent_action_ids"`
	ItemsLost          map[string]int64 `json:"items_lost,omitempty"`
	CurrencyReversed   int64            `json:"currency_reversed"`
	ExperienceReversed int64            `json:"experience_reversed"`
	InvalidatedDecks   []string         `json:"invalidated_decks,omitempty"`
	InvalidatedBattles []string         `json:"invalidated_battles,omitempty"`
}

// CalculateCascadeImpact computes the closure of actions dependent on the
// given action under three fixed, directional, acyclic rules:
//
//  1. pack/starter-pack -> card acquisitions it produced, linked by the
//     acquisition's batch_id; acquisitions without a batch_id fall back to
//     a timestamp window after the pack opening.
//  2. lost item -> any saved deck whose card list references it, and
//     transitively that deck's create/update actions still in the queue.
//  3. invalidated deck -> any queued battle result recorded against it.
//
// The data carries no explicit dependency edges beyond batch_id, so the walk
// is these three ordered rules rather than general graph reachability.
func CalculateCascadeImpact(actionID string, c *OfflineCollection, window time.Duration) *CascadeImpact {
	impact := &CascadeImpact{
		RootActionID: actionID,
		ItemsLost:    make(map[string]int64),
	}
	root := c.FindQueuedAction(actionID)
	if root == nil {
		return impact
	}

	affected := map[string]bool{root.ID: true}

	// Rule 1: pack opening pulls in the acquisitions it produced.
	var acquisitions []*OfflineAction
	if root.Type.IsPackOpening() {
		for _, a := range c.ActionQueue {
			if a.Type != ActionCardAcquired || affected[a.ID] {
				continue
			}
			if a.BatchID == root.ID {
				acquisitions = append(acquisitions, a)
				affected[a.ID] = true
				continue
			}
			// Legacy actions without a batch link: timestamp proximity.
			if a.BatchID == "" && a.Timestamp >= root.Timestamp &&
				a.Timestamp-root.Timestamp <= window.Milliseconds() {
				acquisitions = append(acquisitions, a)
				affected[a.ID] = true
			}
		}
	}
	if root.Type == ActionCardAcquired {
		acquisitions = append(acquisitions, root)
	}

	lostItems := make(map[string]bool)
	for _, a := range acquisitions {
		impact.ItemsLost[a.ItemID] += a.Quantity
		lostItems[a.ItemID] = true
	}

	// Rule 2: lost items invalidate decks that reference them.
	invalidDecks := make(map[string]bool)
	if root.Type == ActionDeckCreated || root.Type == ActionDeckUpdated || root.Type == ActionDeckDeleted {
		invalidDecks[root.DeckID] = true
	}
	for deckID, deck := range c.Decks {
		for itemID := range lostItems {
			if deck.Contains(itemID) {
				invalidDecks[deckID] = true
				break
			}
		}
	}
	for _, a := range c.ActionQueue {
		if a.Type != ActionDeckCreated && a.Type != ActionDeckUpdated {
			continue
		}
		// A queued deck action references a lost item even when the deck
		// itself was since deleted from the collection.
		if !invalidDecks[a.DeckID] && a.DeckData != nil {
			for itemID := range lostItems {
				for _, cardID := range a.DeckData.CardIDs {
					if cardID == itemID {
						invalidDecks[a.DeckID] = true
						break
					}
				}
			}
		}
		if invalidDecks[a.DeckID] {
			affected[a.ID] = true
		}
	}

	// Rule 3: invalidated decks take their battle results with them.
	for _, a := range c.ActionQueue {
		if affected[a.ID] || !a.Type.IsBattleResult() {
			continue
		}
		if a.BattleData != nil && invalidDecks[a.BattleData.DeckID] {
			affected[a.ID] = true
			impact.InvalidatedBattles = append(impact.InvalidatedBattles, a.ID)
			if a.Type == ActionBattleWon {
				impact.CurrencyReversed += a.BattleData.CurrencyReward
				impact.ExperienceReversed += a.BattleData.ExperienceReward
			}
		}
	}
	// The root itself may be a battle result.
	if root.Type.IsBattleResult() && root.BattleData != nil {
		impact.InvalidatedBattles = append(impact.InvalidatedBattles, root.ID)
		if root.Type == ActionBattleWon {
			impact.CurrencyReversed += root.BattleData.CurrencyReward
			impact.ExperienceReversed += root.BattleData.ExperienceReward
		}
	}

	for id := range affected {
		impact.DependentActionIDs = append(impact.DependentActionIDs, id)
	}
	sort.Strings(impact.DependentActionIDs)
	for id := range invalidDecks {
		impact.InvalidatedDecks = append(impact.InvalidatedDecks, id)
	}
	sort.Strings(impact.InvalidatedDecks)
	sort.Strings(impact.InvalidatedBattles)
	impact.TotalActions = len(impact.DependentActionIDs)
	return impact
}

// RollbackActionCascade applies a computed impact to the collection: every
// implicated action leaves the queue, granted items are decremented (entries
// deleted at zero), invalidated decks are removed (clearing the active deck
// if affected), and reversed currency/experience are subtracted, floored at
// zero. The caller rehashes the collection afterwards.
func RollbackActionCascade(c *OfflineCollection, impact *CascadeImpact) {
	if impact == nil {
		return
	}

	ids := make(map[string]bool, len(impact.DependentActionIDs))
	for _, id := range impact.DependentActionIDs {
		ids[id] = true
	}
	c.RemoveQueuedActions(ids)

	for itemID, qty := range impact.ItemsLost {
		c.RevokeItem(itemID, qty)
	}

	for _, deckID := range impact.InvalidatedDecks {
		delete(c.Decks, deckID)
		if c.ActiveDeckID == deckID {
			c.ActiveDeckID = ""
		}
	}

	c.Currency -= impact.CurrencyReversed
	if c.Currency < 0 {
		c.Currency = 0
	}
	c.Experience -= impact.ExperienceReversed
	if c.Experience < 0 {
		c.Experience = 0
	}
}
