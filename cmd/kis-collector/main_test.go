package main

import "testing"

func TestDailyRequest(t *testing.T) {
	cases := []struct {
		name     string
		from, to string
		wantErr  bool
	}{
		{"ok", "20250501", "20250602", false},
		{"same day", "20250602", "20250602", false},
		{"bad from", "2025-05-01", "20250602", true},
		{"bad to", "20250501", "june", true},
		{"reversed", "20250602", "20250501", true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			req, err := dailyRequest("005930", c.from, c.to, true)
			if (err != nil) != c.wantErr {
				t.Fatalf("err = %v; wantErr %v", err, c.wantErr)
			}
			if err != nil {
				return
			}
			if req.StockCode != "005930" || !req.Adjusted {
				t.Errorf("req = %+v", req)
			}
			if req.From.Format(dateLayout) != c.from || req.To.Format(dateLayout) != c.to {
				t.Errorf("dates = %s..%s", req.From, req.To)
			}
		})
	}
}

func TestRootCommandTree(t *testing.T) {
	root := newRootCmd()
	for _, name := range []string{"run", "daily", "minute", "migrate"} {
		cmd, _, err := root.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Errorf("command %q not registered: %v", name, err)
		}
	}
	daily, _, _ := root.Find([]string{"daily"})
	if f := daily.Flags().Lookup("adjusted"); f == nil || f.DefValue != "true" {
		t.Errorf("daily --adjusted flag = %+v", f)
	}
	if root.PersistentFlags().Lookup("config") == nil {
		t.Error("--config flag missing")
	}
}
