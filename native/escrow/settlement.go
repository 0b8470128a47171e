package escrow

import "math/big"

// AggregateByAsset sums the paid amounts of the participants per asset. Groups
// appear in the order their asset is first seen so the transfer sequence is
// deterministic.
func AggregateByAsset(participants []Participant) []AssetVolume {
	groups := make([]AssetVolume, 0, len(participants))
	index := make(map[[20]byte]int, len(participants))
	for _, p := range participants {
		paid := cloneBigInt(p.AmountPaid)
		if pos, ok := index[p.Asset]; ok {
			groups[pos].Amount.Add(groups[pos].Amount, paid)
			continue
		}
		index[p.Asset] = len(groups)
		groups = append(groups, AssetVolume{Asset: p.Asset, Amount: paid})
	}
	return groups
}

// settle releases a fully funded split to its creator. The split is marked
// Released and persisted before any transfer is issued, so a nested deposit or
// release observes the terminal status. A failing transfer fails the call and
// the host discards every write made here.
func (e *Engine) settle(s *Split, now int64) (*Settlement, error) {
	if err := transition(s, StatusReleased); err != nil {
		return nil, err
	}
	s.AmountReleased = cloneBigInt(s.TotalAmount)
	if err := e.storeSplit(s); err != nil {
		return nil, err
	}

	groups := AggregateByAsset(s.Participants)
	result := &Settlement{SplitID: s.ID, Recipient: s.Creator, Total: big.NewInt(0)}
	for _, group := range groups {
		if group.Amount.Sign() <= 0 {
			continue
		}
		if err := e.transfer(group.Asset, e.custody, s.Creator, group.Amount); err != nil {
			return nil, err
		}
		result.Transfers = append(result.Transfers, AssetVolume{Asset: group.Asset, Amount: cloneBigInt(group.Amount)})
		result.Total.Add(result.Total, group.Amount)
	}
	if err := e.updateStats(func(st *Stats) {
		st.TotalReleased++
		for _, t := range result.Transfers {
			st.addVolume(t.Asset, t.Amount)
		}
	}); err != nil {
		return nil, err
	}
	for _, t := range result.Transfers {
		e.emit(NewFundsReleasedEvent(s, t.Asset, t.Amount, now))
	}
	e.emit(NewCompletedEvent(s, len(result.Transfers), now))
	return result, nil
}
