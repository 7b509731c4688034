package workspace

import (
	"fmt"
	"path"
	"strings"
	"time"
)

// DailyLogPath is the append-only log for one day.
func DailyLogPath(day time.Time) string {
	return path.Join("daily", day.Format("2006-01-02")+".md")
}

// SnapshotPath names a saved thread snapshot within a day.
func SnapshotPath(at time.Time) string {
	return path.Join("daily", at.Format("2006-01-02")+"-session-"+at.Format("150405")+".md")
}

// AppendDaily adds an entry to today's log, stamped with the time.
func (w *Workspace) AppendDaily(now time.Time, entry string) error {
	entry = strings.TrimRight(entry, "\n")
	if entry == "" {
		return nil
	}
	line := fmt.Sprintf("- %s %s\n", now.Format("15:04"), entry)
	return w.Append(DailyLogPath(now), line)
}

// SaveSessionSnapshot persists a rendered thread under daily/. Identical
// content already snapshotted today is skipped; the existing or new path
// is returned along with whether a file was written.
func (w *Workspace) SaveSessionSnapshot(now time.Time, content string) (string, bool, error) {
	hash := hashContent(content)
	prefix := now.Format("2006-01-02") + "-session-"

	entries, err := w.List("daily")
	if err == nil {
		for _, e := range entries {
			if e.IsDir || !strings.HasPrefix(e.Name, prefix) {
				continue
			}
			existing, err := w.Read(path.Join("daily", e.Name))
			if err != nil {
				continue
			}
			if hashContent(existing) == hash {
				return path.Join("daily", e.Name), false, nil
			}
		}
	}

	p := SnapshotPath(now)
	if err := w.Write(p, content); err != nil {
		return "", false, err
	}
	return p, true, nil
}

// AppendLesson records a long-lived correction in lessons.md.
func (w *Workspace) AppendLesson(now time.Time, lesson string) error {
	lesson = strings.TrimSpace(lesson)
	if lesson == "" {
		return nil
	}
	return w.Append(LessonsFile, fmt.Sprintf("- (%s) %s\n", now.Format("2006-01-02"), lesson))
}

// MirrorActiveTasks refreshes the crash-recovery task mirror. The dedup
// gate keeps repeated heartbeats from rewriting an unchanged mirror.
func (w *Workspace) MirrorActiveTasks(rendered string) error {
	_, err := w.WriteDedup(ActiveTasksFile, rendered)
	return err
}
