package condition

import (
	"context"
	"errors"
)

var ErrNoRemote = errors.New("remote conditions need a remote repository")

type remoteFile struct {
	content string
	found   bool
}

func (e *Evaluator) remoteTree(ctx context.Context, env Env) ([]string, error) {
	key := env.Key + "\x00tree"
	if v, ok := e.cache.Get(key); ok {
		return v.([]string), nil
	}

	tree, err := env.Remote.Tree(ctx)
	if err != nil {
		return nil, err
	}
	cost := int64(1)
	for _, p := range tree {
		cost += int64(len(p))
	}
	e.cache.SetWithTTL(key, tree, cost, e.ttl)
	e.cache.Wait()
	return tree, nil
}

func (e *Evaluator) remoteRead(ctx context.Context, env Env, path string) (remoteFile, error) {
	key := env.Key + "\x00file\x00" + path
	if v, ok := e.cache.Get(key); ok {
		return v.(remoteFile), nil
	}

	content, found, err := env.Remote.ReadFile(ctx, path)
	if err != nil {
		return remoteFile{}, err
	}
	rf := remoteFile{content: content, found: found}
	e.cache.SetWithTTL(key, rf, int64(len(content))+1, e.ttl)
	e.cache.Wait()
	return rf, nil
}

func (e *Evaluator) remoteMatches(ctx context.Context, env Env, pattern string, regex bool) ([]string, error) {
	if env.Remote == nil {
		return nil, ErrNoRemote
	}
	m, err := compile(pattern, regex)
	if err != nil {
		return nil, err
	}

	if m.exact() {
		rf, err := e.remoteRead(ctx, env, m.pattern)
		if err != nil || !rf.found {
			return nil, err
		}
		return []string{m.pattern}, nil
	}

	tree, err := e.remoteTree(ctx, env)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, p := range tree {
		if m.match(p) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (e *Evaluator) remoteExists(ctx context.Context, env Env, pattern string, regex bool) (bool, error) {
	matches, err := e.remoteMatches(ctx, env, pattern, regex)
	return len(matches) > 0, err
}

func (e *Evaluator) remoteContains(ctx context.Context, env Env, file, needle string, regex bool) (bool, error) {
	matches, err := e.remoteMatches(ctx, env, file, regex)
	if err != nil {
		return false, err
	}
	for _, p := range matches {
		rf, err := e.remoteRead(ctx, env, p)
		if err != nil {
			return false, err
		}
		if rf.found && contentMatches(rf.content, needle) {
			return true, nil
		}
	}
	return false, nil
}
