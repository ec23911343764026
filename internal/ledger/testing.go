package ledger

import (
	"context"
	"testing"

	"github.com/google/uuid"
)

// SeedBalance funds an account from the external system account through a
// regular completed posting, so seeded fixtures keep the double-entry
// invariant intact.
func SeedBalance(t *testing.T, store Store, account Account, amount int64) Transaction {
	t.Helper()
	ctx := context.Background()

	external, err := store.EnsureExternalAccount(ctx, account.Currency)
	if err != nil {
		t.Fatalf("ensure external account: %v", err)
	}

	externalID := external.ID
	accountID := account.ID
	txn, err := store.Post(ctx, PostingInput{
		Insert: true,
		Transaction: Transaction{
			Type:               TypeDeposit,
			RecipientAccountID: &accountID,
			SenderAccountID:    &externalID,
			Amount:             amount,
			Currency:           account.Currency,
			Reference:          "seed-" + uuid.NewString(),
			Channel:            ChannelInternal,
		},
		Entries: []EntryInput{
			{AccountID: externalID, Direction: Debit, Amount: amount},
			{AccountID: accountID, Direction: Credit, Amount: amount},
		},
	})
	if err != nil {
		t.Fatalf("seed balance: %v", err)
	}
	return txn
}
