package guard

import (
	"regexp"
	"sync"
)

// lazyPattern compiles its regex on first use. Pack definitions stay cheap
// at startup; only patterns that survive quick-reject ever compile.
type lazyPattern struct {
	expr string
	once sync.Once
	re   *regexp.Regexp
}

func pat(expr string) *lazyPattern {
	return &lazyPattern{expr: expr}
}

func (p *lazyPattern) matchString(s string) bool {
	p.once.Do(func() {
		p.re = regexp.MustCompile(p.expr)
	})
	return p.re.MatchString(s)
}

// rule is a single destructive pattern within a pack.
type rule struct {
	name       string
	pattern    *lazyPattern
	reason     string
	action     Action
	suggestion string
}

// safePattern is an allowlist entry that silences its pack for the
// matching segment.
type safePattern struct {
	name    string
	pattern *lazyPattern
}

// pack groups related rules behind a keyword quick-reject set.
type pack struct {
	id       string
	keywords []string
	safe     []safePattern
	rules    []*rule
}

func (p *pack) safeMatch(segment string) bool {
	for _, sp := range p.safe {
		if sp.pattern.matchString(segment) {
			return true
		}
	}
	return false
}

var packGit = &pack{
	id:       "core.git",
	keywords: []string{"git"},
	safe: []safePattern{
		{name: "git-read-only", pattern: pat(`(?i)^git\s+(status|log|diff|show|tag|stash\s+list|remote\s+-v|fetch)\b`)},
		// Bare branch listing; flags like -D fall through to the rules.
		{name: "git-branch-list", pattern: pat(`(?i)^git\s+branch\s*(-a|-v|--list)?\s*$`)},
		// `git push <remote> <branch>` with no flags.
		{name: "git-push-branch", pattern: pat(`(?i)^git\s+push\s+\w+\s+[a-zA-Z0-9_./-]+\s*$`)},
	},
	rules: []*rule{
		{
			name:       "git-force-push",
			pattern:    pat(`(?i)git\s+push\s+.*(-f|--force)`),
			reason:     "force push rewrites remote history and can destroy teammates' work",
			action:     ActionBlock,
			suggestion: "use `git push --force-with-lease` for safer force push",
		},
		{
			name:       "git-hard-reset",
			pattern:    pat(`(?i)git\s+reset\s+--hard`),
			reason:     "hard reset discards uncommitted changes permanently",
			action:     ActionBlock,
			suggestion: "use `git stash` first, or `git reset --soft`",
		},
		{
			name:       "git-clean-force",
			pattern:    pat(`(?i)git\s+clean\s+-[a-z]*f`),
			reason:     "git clean -f permanently removes untracked files",
			action:     ActionReview,
			suggestion: "use `git clean -n` (dry-run) first to preview",
		},
		{
			name:       "git-rebase-main",
			pattern:    pat(`(?i)git\s+rebase\s+.*\b(main|master|production)\b`),
			reason:     "rebasing onto main/master can cause history conflicts",
			action:     ActionReview,
			suggestion: "use `git merge` instead for shared branches",
		},
		{
			name:       "git-branch-delete-force",
			pattern:    pat(`(?i)git\s+branch\s+-[a-zA-Z]*D`),
			reason:     "force-deleting a branch removes it without merge check",
			action:     ActionWarn,
			suggestion: "use `git branch -d` (lowercase) for safe delete",
		},
	},
}

var packFilesystem = &pack{
	id:       "core.filesystem",
	keywords: []string{"rm", "chmod", "chown", "mv", "dd", "mkfs", "shred", "find"},
	safe: []safePattern{
		{name: "rm-single-file", pattern: pat(`(?i)^rm\s+[^-][\w./-]+$`)},
		{name: "rm-interactive", pattern: pat(`(?i)^rm\s+-[a-z]*i`)},
	},
	rules: []*rule{
		{
			name:    "rm-rf-root",
			pattern: pat(`(?i)rm\s+-[a-z]*r[a-z]*f[a-z]*\s+/\s*$`),
			reason:  "recursive force-remove of root filesystem",
			action:  ActionBlock,
		},
		{
			name:    "rm-rf-wildcard",
			pattern: pat(`(?i)rm\s+-[a-z]*r[a-z]*f[a-z]*\s+/\*`),
			reason:  "recursive force-remove of root-level wildcard",
			action:  ActionBlock,
		},
		{
			name:    "rm-rf-home",
			pattern: pat(`(?i)rm\s+-[a-z]*r[a-z]*f[a-z]*\s+~\s*$`),
			reason:  "recursive force-remove of home directory",
			action:  ActionBlock,
		},
		{
			name:    "rm-rf-system-dirs",
			pattern: pat(`(?i)rm\s+-[a-z]*r[a-z]*f[a-z]*\s+/(etc|var|usr|boot|sys|proc)\b`),
			reason:  "recursive force-remove of system directory",
			action:  ActionBlock,
		},
		{
			name:    "chmod-777-root",
			pattern: pat(`(?i)chmod\s+(-R\s+)?777\s+/`),
			reason:  "setting world-writable permissions on system directories",
			action:  ActionBlock,
		},
		{
			name:    "chown-recursive-root",
			pattern: pat(`(?i)chown\s+-R\s+.*\s+/\s*$`),
			reason:  "recursive ownership change on root filesystem",
			action:  ActionBlock,
		},
		{
			name:    "dd-to-disk",
			pattern: pat(`(?i)dd\s+.*of\s*=\s*/dev/(sd|hd|nvme|vd|xvd)`),
			reason:  "direct write to disk device can destroy partition table",
			action:  ActionBlock,
		},
		{
			name:    "mkfs",
			pattern: pat(`(?i)mkfs\b`),
			reason:  "creating a filesystem destroys all data on the target",
			action:  ActionBlock,
		},
		{
			name:       "find-delete",
			pattern:    pat(`(?i)find\s+/\s+.*-delete`),
			reason:     "find -delete on root can recursively remove files",
			action:     ActionBlock,
			suggestion: "add a more specific path and use -print first",
		},
	},
}

var packDatabase = &pack{
	id:       "database",
	keywords: []string{"drop", "truncate", "delete", "psql", "mysql", "mongo", "redis"},
	safe: []safePattern{
		{name: "select-query", pattern: pat(`(?i)^\s*(select|explain|describe|show|\\d)\b`)},
	},
	rules: []*rule{
		{
			name:       "drop-database",
			pattern:    pat(`(?i)drop\s+database\b`),
			reason:     "DROP DATABASE permanently destroys the entire database",
			action:     ActionBlock,
			suggestion: "use pg_dump first to create a backup",
		},
		{
			name:       "drop-table",
			pattern:    pat(`(?i)drop\s+table\b`),
			reason:     "DROP TABLE permanently removes the table and all data",
			action:     ActionBlock,
			suggestion: "use a backup or rename the table first",
		},
		{
			name:       "truncate-table",
			pattern:    pat(`(?i)truncate\s+(table\s+)?\w`),
			reason:     "TRUNCATE removes all rows without logging individual deletes",
			action:     ActionBlock,
			suggestion: "use DELETE with a WHERE clause for targeted removal",
		},
		{
			name:       "delete-no-where",
			pattern:    pat(`(?i)delete\s+from\s+\w+\s*;`),
			reason:     "DELETE FROM without WHERE clause removes all rows",
			action:     ActionBlock,
			suggestion: "add a WHERE clause to limit deletion scope",
		},
		{
			name:    "redis-flushall",
			pattern: pat(`(?i)redis-cli\s+.*flushall`),
			reason:  "FLUSHALL removes all data from all Redis databases",
			action:  ActionBlock,
		},
		{
			name:    "mongo-drop",
			pattern: pat(`(?i)mongo.*\.drop\s*\(`),
			reason:  "MongoDB drop() permanently removes the collection",
			action:  ActionBlock,
		},
	},
}

var packContainers = &pack{
	id:       "containers",
	keywords: []string{"docker", "podman", "kubectl", "helm"},
	safe: []safePattern{
		{name: "docker-read-only", pattern: pat(`(?i)^docker\s+(ps|images|logs|inspect|stats|top|port|network\s+ls|volume\s+ls)\b`)},
		{name: "kubectl-read-only", pattern: pat(`(?i)^kubectl\s+(get|describe|logs|top|explain)\b`)},
	},
	rules: []*rule{
		{
			name:       "docker-system-prune",
			pattern:    pat(`(?i)docker\s+system\s+prune`),
			reason:     "docker system prune removes all unused containers, networks, and images",
			action:     ActionBlock,
			suggestion: "use `docker system prune --dry-run` first",
		},
		{
			name:    "docker-volume-prune",
			pattern: pat(`(?i)docker\s+volume\s+prune`),
			reason:  "docker volume prune removes all unused volumes (data loss)",
			action:  ActionBlock,
		},
		{
			name:       "kubectl-delete-all",
			pattern:    pat(`(?i)kubectl\s+delete\s+.*--all\b`),
			reason:     "kubectl delete --all removes all resources of that type",
			action:     ActionBlock,
			suggestion: "specify exact resource names instead of --all",
		},
		{
			name:    "kubectl-delete-namespace",
			pattern: pat(`(?i)kubectl\s+delete\s+namespace\b`),
			reason:  "deleting a namespace removes all resources within it",
			action:  ActionBlock,
		},
		{
			name:       "helm-uninstall",
			pattern:    pat(`(?i)helm\s+uninstall\b`),
			reason:     "helm uninstall removes all resources managed by the release",
			action:     ActionReview,
			suggestion: "use `helm get all <release>` first to review",
		},
	},
}

var packCloud = &pack{
	id:       "cloud",
	keywords: []string{"aws", "gcloud", "az ", "terraform"},
	safe: []safePattern{
		{name: "aws-read-only", pattern: pat(`(?i)^aws\s+\w+\s+(list|describe|get)\b`)},
		{name: "terraform-read-only", pattern: pat(`(?i)^terraform\s+(plan|show|state\s+list|output)\b`)},
	},
	rules: []*rule{
		{
			name:       "terraform-destroy",
			pattern:    pat(`(?i)terraform\s+destroy`),
			reason:     "terraform destroy removes all managed infrastructure",
			action:     ActionBlock,
			suggestion: "use `terraform plan -destroy` to preview first",
		},
		{
			name:       "aws-s3-rm-recursive",
			pattern:    pat(`(?i)aws\s+s3\s+rm\s+.*--recursive`),
			reason:     "recursive S3 deletion can remove entire buckets of data",
			action:     ActionBlock,
			suggestion: "use `aws s3 ls` first to verify the path",
		},
		{
			name:       "aws-ec2-terminate",
			pattern:    pat(`(?i)aws\s+ec2\s+terminate-instances`),
			reason:     "terminating EC2 instances is irreversible",
			action:     ActionBlock,
			suggestion: "use `aws ec2 stop-instances` to stop without terminating",
		},
	},
}

var packSystem = &pack{
	id:       "system",
	keywords: []string{"shutdown", "reboot", "poweroff", "init", "iptables", "nft", "systemctl", "launchctl", "kill", "killall", "pkill", "crontab"},
	safe: []safePattern{
		{name: "systemctl-read-only", pattern: pat(`(?i)^systemctl\s+(status|is-active|is-enabled|list-units)\b`)},
	},
	rules: []*rule{
		{
			name:    "shutdown-reboot",
			pattern: pat(`(?i)\b(shutdown|reboot|poweroff|init\s+[06])\b`),
			reason:  "system shutdown/reboot command",
			action:  ActionBlock,
		},
		{
			name:       "iptables-flush",
			pattern:    pat(`(?i)iptables\s+(-F|--flush)`),
			reason:     "flushing iptables rules removes all firewall protections",
			action:     ActionBlock,
			suggestion: "save rules first: `iptables-save > backup.rules`",
		},
		{
			name:       "systemctl-disable",
			pattern:    pat(`(?i)systemctl\s+disable\b`),
			reason:     "disabling services can break system functionality",
			action:     ActionReview,
			suggestion: "use `systemctl stop` to stop without disabling",
		},
		{
			name:       "crontab-remove",
			pattern:    pat(`(?i)crontab\s+-r\b`),
			reason:     "crontab -r removes all cron jobs without confirmation",
			action:     ActionBlock,
			suggestion: "use `crontab -l > backup.cron` first, then `crontab -e` to edit",
		},
		{
			name:       "kill-force",
			pattern:    pat(`(?i)\b(kill\s+-9|killall|pkill)\b`),
			reason:     "force-killing processes can cause data corruption",
			action:     ActionReview,
			suggestion: "use `kill` (SIGTERM) first, then SIGKILL only if needed",
		},
	},
}

var packPipedExec = &pack{
	id:       "piped_exec",
	keywords: []string{"curl", "wget", "eval"},
	safe: []safePattern{
		{name: "curl-output-file", pattern: pat(`(?i)^curl\s+.*-[oO]\b`)},
	},
	rules: []*rule{
		{
			name:       "curl-pipe-shell",
			pattern:    pat(`(?i)curl\s+.*\|\s*(sh|bash|zsh|python|ruby|perl)`),
			reason:     "piping curl output to a shell executes arbitrary remote code",
			action:     ActionBlock,
			suggestion: "download the script first, inspect it, then run",
		},
		{
			name:    "wget-pipe-shell",
			pattern: pat(`(?i)wget\s+.*\|\s*(sh|bash|zsh|python|ruby|perl)`),
			reason:  "piping wget output to a shell executes arbitrary remote code",
			action:  ActionBlock,
		},
		{
			name:    "eval-string",
			pattern: pat(`(?i)\beval\s+`),
			reason:  "eval executes arbitrary strings as commands",
			action:  ActionReview,
		},
	},
}

var packInlineScripts = &pack{
	id:       "inline_scripts",
	keywords: []string{"python", "ruby", "perl", "node", "php"},
	rules: []*rule{
		{
			name:       "python-os-remove",
			pattern:    pat(`python[23]?\s+-c\s+.*\b(os\.remove|os\.unlink|shutil\.rmtree|os\.system)\b`),
			reason:     "inline Python script with destructive filesystem operations",
			action:     ActionBlock,
			suggestion: "write the script to a file and review before executing",
		},
		{
			name:    "python-subprocess-rm",
			pattern: pat(`python[23]?\s+-c\s+.*subprocess\.(run|call|Popen).*rm\b`),
			reason:  "inline Python script spawning rm via subprocess",
			action:  ActionBlock,
		},
		{
			name:    "node-fs-unlink",
			pattern: pat(`node\s+-e\s+.*\b(fs\.unlink|fs\.rm|fs\.rmdir|child_process\.exec)\b`),
			reason:  "inline Node.js script with destructive filesystem operations",
			action:  ActionBlock,
		},
	},
}

var packSensitivePaths = &pack{
	id:       "sensitive_paths",
	keywords: []string{"passwd", "shadow", "ssh", "id_rsa", "authorized_keys", "sudoers"},
	safe: []safePattern{
		{name: "read-only-viewers", pattern: pat(`(?i)^(cat|less|head|tail|wc|file|stat)\s+`)},
	},
	rules: []*rule{
		{
			name:       "write-etc-passwd",
			pattern:    pat(`(?i)(>|tee|cp|mv|install|sed\s+-i)\s+.*/etc/(passwd|shadow|sudoers)`),
			reason:     "writing to authentication files can lock out all users",
			action:     ActionBlock,
			suggestion: "use `visudo` or `vipw` for safe editing",
		},
		{
			name:    "write-ssh-keys",
			pattern: pat(`(?i)(>|tee|cp|mv)\s+.*\.ssh/(authorized_keys|id_rsa|config)`),
			reason:  "modifying SSH keys/config can break remote access",
			action:  ActionBlock,
		},
	},
}

var allPacks = []*pack{
	packGit,
	packFilesystem,
	packDatabase,
	packContainers,
	packCloud,
	packSystem,
	packPipedExec,
	packInlineScripts,
	packSensitivePaths,
}
