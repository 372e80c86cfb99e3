package history

import "sort"

type Winner struct {
	Identity string  `json:"identity"`
	Sum      float64 `json:"sum"`
}

type PlayerStats struct {
	Identity string  `json:"identity"`
	Games    int     `json:"games"`
	Wins     int     `json:"wins"`
	WinPct   float64 `json:"winPct"`
}

// Top soma os potes ganhos por identidade e retorna os n maiores
func (s *Store) Top(n int) []Winner {
	s.mu.RLock()
	sums := make(map[string]float64)
	for _, r := range s.records {
		sums[r.Winner] += r.Total
	}
	s.mu.RUnlock()

	out := make([]Winner, 0, len(sums))
	for id, sum := range sums {
		out = append(out, Winner{Identity: id, Sum: sum})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Sum != out[j].Sum {
			return out[i].Sum > out[j].Sum
		}
		return out[i].Identity < out[j].Identity
	})
	if n > 0 && n < len(out) {
		out = out[:n]
	}
	return out
}

func (s *Store) Player(identity string) PlayerStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := PlayerStats{Identity: identity}
	for _, r := range s.records {
		for _, p := range r.Participants {
			if p.Identity == identity {
				st.Games++
				break
			}
		}
		if r.Winner == identity {
			st.Wins++
		}
	}
	if st.Games > 0 {
		st.WinPct = float64(st.Wins) / float64(st.Games) * 100
	}
	return st
}
