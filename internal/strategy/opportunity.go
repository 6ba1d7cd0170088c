package strategy

// Opportunity is one candidate symbol for a funding-spread cycle, produced
// fresh each analysis pass and never persisted.
type Opportunity struct {
	Symbol     string
	LongVenue  string
	ShortVenue string
	LongAPR    float64
	ShortAPR   float64
	NetAPR     float64
}

// Annualize converts an hourly funding rate into an annualized percentage.
func Annualize(hourlyRate float64) float64 {
	return hourlyRate * 24 * 365 * 100
}

// MakeOpportunity designates the lower-rate venue as the long leg: shorting
// the higher-rate venue is what earns the spread, and longing the lower-rate
// venue pays less (or earns from the negative side).
func MakeOpportunity(symbol, venueA, venueB string, hourlyA, hourlyB float64) Opportunity {
	aprA := Annualize(hourlyA)
	aprB := Annualize(hourlyB)
	opp := Opportunity{Symbol: symbol}
	if aprA < aprB {
		opp.LongVenue, opp.LongAPR = venueA, aprA
		opp.ShortVenue, opp.ShortAPR = venueB, aprB
	} else {
		opp.LongVenue, opp.LongAPR = venueB, aprB
		opp.ShortVenue, opp.ShortAPR = venueA, aprA
	}
	opp.NetAPR = opp.ShortAPR - opp.LongAPR
	return opp
}

// Select returns the opportunity with the widest net spread, provided it
// clears the minimum threshold. Exact ties keep the first encountered.
func Select(opps []Opportunity, minNetAPR float64) (Opportunity, bool) {
	var best Opportunity
	found := false
	for _, opp := range opps {
		if !found || opp.NetAPR > best.NetAPR {
			best = opp
			found = true
		}
	}
	if !found || best.NetAPR < minNetAPR {
		return Opportunity{}, false
	}
	return best, true
}
