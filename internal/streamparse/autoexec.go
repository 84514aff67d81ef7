package streamparse

// maybeAutoExec fires the execution bridge for a whitelisted tool once
// its trigger rule is satisfied. The signature check guarantees
// monotonic progress: a given call never triggers twice with the same
// signature, so replays and re-parses cannot double a side effect.
func (p *Parser) maybeAutoExec(tc *toolCall) {
	if p.cfg.AutoExec == nil || tc.tool == "" {
		return
	}
	rule, ok := p.cfg.Rules[tc.tool]
	if !ok {
		return
	}
	for _, name := range rule.RequiredParams {
		if !tc.paramComplete(name) {
			return
		}
	}

	if rule.StreamingParam == "" {
		// Non-streaming tools wait for the complete call and fire once.
		if !tc.complete || tc.lastAutoSig != 0 {
			return
		}
		tc.lastAutoSig = 1
		p.cfg.AutoExec(AutoCall{
			Index:     tc.index,
			Tool:      tc.tool,
			Params:    tc.allParams(),
			Complete:  true,
			Signature: 1,
		})
		return
	}

	text, ok := tc.paramText(rule.StreamingParam)
	if !ok {
		return
	}
	sig := uint64(len(text))
	if sig == 0 || sig <= tc.lastAutoSig {
		return
	}
	tc.lastAutoSig = sig
	p.cfg.AutoExec(AutoCall{
		Index:     tc.index,
		Tool:      tc.tool,
		Params:    tc.allParams(),
		Complete:  tc.complete,
		Signature: sig,
	})
}

// paramComplete reports whether the named param has closed.
func (tc *toolCall) paramComplete(name string) bool {
	for _, ps := range tc.params {
		if ps.name == name {
			return ps.complete
		}
	}
	return false
}

// paramText returns the param's current text: the final value when
// closed, the streamed partial otherwise.
func (tc *toolCall) paramText(name string) (string, bool) {
	for _, ps := range tc.params {
		if ps.name != name {
			continue
		}
		if ps.complete {
			return ps.value, true
		}
		return ps.partial, true
	}
	return "", false
}

// allParams returns every param with text so far; open params carry
// their partial value.
func (tc *toolCall) allParams() map[string]string {
	params := make(map[string]string, len(tc.params))
	for _, ps := range tc.params {
		if ps.complete {
			params[ps.name] = ps.value
		} else if ps.partial != "" {
			params[ps.name] = ps.partial
		}
	}
	return params
}
