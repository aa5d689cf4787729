package cardsync

import (
	"testing"
	"time"
)

// buildCascadeFixture queues a pack opening, two acquisitions from it, a deck
// using one acquired card, and a battle won with that deck.
func buildCascadeFixture(t *testing.T) (*ActionLedger, *OfflineCollection) {
	t.Helper()
	l := testLedger(t)
	c := NewOfflineCollection("device-1", "user-1", 1)

	pack, err := l.AppendAction(c, ActionPackOpened, ActionPayload{PackType: "basic"})
	if err != nil {
		t.Fatalf("append pack: %v", err)
	}
	if _, err := l.AppendAction(c, ActionCardAcquired, ActionPayload{
		ItemID: "card_rare", Quantity: 1, PackType: "basic", BatchID: pack.ID,
	}); err != nil {
		t.Fatalf("append acquisition: %v", err)
	}
	if _, err := l.AppendAction(c, ActionCardAcquired, ActionPayload{
		ItemID: "card_common", Quantity: 2, PackType: "basic", BatchID: pack.ID,
	}); err != nil {
		t.Fatalf("append acquisition: %v", err)
	}
	if _, err := l.AppendAction(c, ActionDeckCreated, ActionPayload{
		DeckID:   "deck-1",
		DeckData: &DeckData{Name: "Rare Rush", CardIDs: []string{"card_rare"}},
	}); err != nil {
		t.Fatalf("append deck: %v", err)
	}
	if _, err := l.AppendAction(c, ActionBattleWon, ActionPayload{
		BattleData: &BattleData{DeckID: "deck-1", CurrencyReward: 50, ExperienceReward: 100},
	}); err != nil {
		t.Fatalf("append battle: %v", err)
	}
	return l, c
}

func TestCascadeFromPackOpening(t *testing.T) {
	_, c := buildCascadeFixture(t)
	packID := c.ActionQueue[0].ID

	impact := CalculateCascadeImpact(packID, c, 30*time.Second)

	if impact.TotalActions != 5 {
		t.Errorf("expected all 5 actions implicated, got %d (%v)",
			impact.TotalActions, impact.DependentActionIDs)
	}
	if impact.ItemsLost["card_rare"] != 1 || impact.ItemsLost["card_common"] != 2 {
		t.Errorf("unexpected items lost: %v", impact.ItemsLost)
	}
	if len(impact.InvalidatedDecks) != 1 || impact.InvalidatedDecks[0] != "deck-1" {
		t.Errorf("expected deck-1 invalidated, got %v", impact.InvalidatedDecks)
	}
	if impact.CurrencyReversed != 50 || impact.ExperienceReversed != 100 {
		t.Errorf("expected 50/100 reversed, got %d/%d",
			impact.CurrencyReversed, impact.ExperienceReversed)
	}
}

func TestCascadeStopsAtUnrelatedActions(t *testing.T) {
	l, c := buildCascadeFixture(t)
	if _, err := l.AppendAction(c, ActionCardAcquired, ActionPayload{
		ItemID: "card_unrelated", Quantity: 1, BatchID: "some-other-pack",
	}); err != nil {
		t.Fatalf("append unrelated: %v", err)
	}
	packID := c.ActionQueue[0].ID

	impact := CalculateCascadeImpact(packID, c, 30*time.Second)
	for _, id := range impact.DependentActionIDs {
		if id == c.ActionQueue[5].ID {
			t.Error("unrelated acquisition pulled into cascade")
		}
	}
	if _, ok := impact.ItemsLost["card_unrelated"]; ok {
		t.Error("unrelated item counted as lost")
	}
}

func TestCascadeTimestampFallback(t *testing.T) {
	l := testLedger(t)
	c := NewOfflineCollection("device-1", "user-1", 1)

	pack, err := l.AppendAction(c, ActionPackOpened, ActionPayload{PackType: "basic"})
	if err != nil {
		t.Fatalf("append pack: %v", err)
	}
	// Legacy acquisition with no batch link, same timestamp.
	legacy, err := l.AppendAction(c, ActionCardAcquired, ActionPayload{ItemID: "card_1", Quantity: 1})
	if err != nil {
		t.Fatalf("append legacy: %v", err)
	}

	impact := CalculateCascadeImpact(pack.ID, c, 30*time.Second)
	found := false
	for _, id := range impact.DependentActionIDs {
		if id == legacy.ID {
			found = true
		}
	}
	if !found {
		t.Error("legacy acquisition inside window not attributed to pack")
	}

	// Outside the window it is left alone.
	legacy.Timestamp = pack.Timestamp + (31 * time.Second).Milliseconds()
	impact = CalculateCascadeImpact(pack.ID, c, 30*time.Second)
	for _, id := range impact.DependentActionIDs {
		if id == legacy.ID {
			t.Error("acquisition outside window attributed to pack")
		}
	}
}

func TestCascadeFromSingleAcquisition(t *testing.T) {
	_, c := buildCascadeFixture(t)
	acqID := c.ActionQueue[1].ID // card_rare

	impact := CalculateCascadeImpact(acqID, c, 30*time.Second)

	// The acquisition, the deck referencing card_rare, and its battle.
	if impact.TotalActions != 3 {
		t.Errorf("expected 3 actions, got %d (%v)", impact.TotalActions, impact.DependentActionIDs)
	}
	if impact.ItemsLost["card_common"] != 0 {
		t.Error("sibling acquisition's item counted as lost")
	}
}

func TestCascadeUnknownActionIsEmpty(t *testing.T) {
	_, c := buildCascadeFixture(t)
	impact := CalculateCascadeImpact("missing", c, 30*time.Second)
	if impact.TotalActions != 0 {
		t.Errorf("expected empty impact for unknown action, got %d", impact.TotalActions)
	}
}

func TestRollbackActionCascade(t *testing.T) {
	_, c := buildCascadeFixture(t)
	c.ActiveDeckID = "deck-1"
	c.Rehash()
	packID := c.ActionQueue[0].ID

	impact := CalculateCascadeImpact(packID, c, 30*time.Second)
	RollbackActionCascade(c, impact)
	c.Rehash()

	if len(c.ActionQueue) != 0 {
		t.Errorf("expected empty queue after rollback, got %d", len(c.ActionQueue))
	}
	if _, ok := c.Items["card_rare"]; ok {
		t.Error("card_rare survived rollback")
	}
	if _, ok := c.Items["card_common"]; ok {
		t.Error("card_common survived rollback")
	}
	if _, ok := c.Decks["deck-1"]; ok {
		t.Error("invalidated deck survived rollback")
	}
	if c.ActiveDeckID != "" {
		t.Error("active deck not cleared")
	}
	if c.Currency != 0 || c.Experience != 0 {
		t.Errorf("rewards not reversed: %d/%d", c.Currency, c.Experience)
	}
	if err := VerifyCollectionIntegrity(c); err != nil {
		t.Errorf("collection hash stale after rollback: %v", err)
	}
}

func TestRollbackFloorsCountersAtZero(t *testing.T) {
	_, c := buildCascadeFixture(t)
	// Simulate currency already spent locally.
	c.Currency = 10
	c.Rehash()

	impact := CalculateCascadeImpact(c.ActionQueue[0].ID, c, 30*time.Second)
	RollbackActionCascade(c, impact)

	if c.Currency != 0 {
		t.Errorf("expected currency floored at 0, got %d", c.Currency)
	}
}
