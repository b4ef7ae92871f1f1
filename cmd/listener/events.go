package main

import (
	"log/slog"

	"github.com/mycrewmanager/realtime/internal/router"
)

// eventLogger returns callbacks that log each routed event.
func eventLogger(logger *slog.Logger) router.Callbacks {
	common := func(d router.EventData) []any {
		attrs := []any{"action", d.Action}
		if d.ProjectID != nil {
			attrs = append(attrs, "project_id", *d.ProjectID)
		}
		if d.Actor != nil {
			attrs = append(attrs, "actor", d.Actor.Name)
		}
		return attrs
	}

	return router.Callbacks{
		OnProjectUpdate: func(e router.ProjectUpdated) {
			logger.Info("project updated", append(common(e.EventData), "name", e.Project.Name, "status", e.Project.Status)...)
		},
		OnEpicUpdate: func(e router.EpicUpdated) {
			logger.Info("epic updated", append(common(e.EventData), "epic_id", e.Epic.ID, "title", e.Epic.Title)...)
		},
		OnSubEpicUpdate: func(e router.SubEpicUpdated) {
			logger.Info("sub-epic updated", append(common(e.EventData), "sub_epic_id", e.SubEpic.ID, "title", e.SubEpic.Title)...)
		},
		OnUserStoryUpdate: func(e router.UserStoryUpdated) {
			logger.Info("user story updated", append(common(e.EventData), "story_id", e.UserStory.ID, "title", e.UserStory.Title)...)
		},
		OnTaskUpdate: func(e router.TaskUpdated) {
			logger.Info("task updated", append(common(e.EventData), "task_id", e.Task.ID, "title", e.Task.Title, "status", e.Task.Status)...)
		},
		OnMemberUpdate: func(e router.MemberUpdated) {
			logger.Info("member updated", append(common(e.EventData), "user_id", e.Member.UserID, "role", e.Member.Role)...)
		},
		OnRepositoryUpdate: func(e router.RepositoryUpdated) {
			logger.Info("repository updated", append(common(e.EventData), "repository_id", e.Repository.ID, "name", e.Repository.Name)...)
		},
		OnBacklogRegenerated: func(e router.BacklogRegenerated) {
			logger.Info("backlog regenerated", append(common(e.EventData), "status", e.Result.Status, "count", e.Result.Count)...)
		},
		OnOverviewRegenerated: func(e router.OverviewRegenerated) {
			logger.Info("overview regenerated", append(common(e.EventData), "status", e.Result.Status)...)
		},
		OnNotification: func(e router.Notification) {
			logger.Info("notification", append(common(e.EventData), "title", e.Notification.Title, "message", e.Notification.Message)...)
		},
		OnEvent: func(ev router.Event) {
			if u, ok := ev.(router.Unknown); ok {
				logger.Debug("unmodeled event", "type", u.Name)
			}
		},
	}
}
